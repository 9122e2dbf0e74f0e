package orchestrator

import (
	"context"
	"net/url"
	"path"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
)

// searchQueryParam is the query parameter carrying a grounding search.
const searchQueryParam = "q"

func (o *Orchestrator) platformFor(th domain.Thread) domain.HostedPlatform {
	if ht, ok := th.(*domain.HostedThread); ok && ht.Platform() != nil {
		return ht.Platform()
	}
	return o.deps.Platform
}

// collectArtifacts copies every file a response references into the
// artifact store and returns the signed URLs. Failures skip the file.
func (o *Orchestrator) collectArtifacts(ctx context.Context, th domain.Thread, resp *domain.AgentResponse) []string {
	log := logger.FromContext(ctx, o.logger)
	refs := resp.FileReferences()
	if len(refs) == 0 {
		return nil
	}
	platform := o.platformFor(th)
	if platform == nil || o.deps.Artifacts == nil {
		log.Warn("visualization files dropped, no platform or artifact store", "files", len(refs))
		return nil
	}

	var urls []string
	for _, ref := range refs {
		file, err := platform.DownloadFile(ctx, ref.FileID)
		if err != nil {
			log.Warn("download visualization file failed", "file_id", ref.FileID, "error", err)
			continue
		}
		name := artifactName(ref, file)
		signed, err := o.deps.Artifacts.SaveFile(ctx, name, file.ContentType, file.Data)
		if err != nil {
			log.Warn("upload visualization file failed", "file_id", ref.FileID, "error", err)
			continue
		}
		urls = append(urls, signed)
	}
	return urls
}

func artifactName(ref domain.ContentItem, file *domain.HostedFile) string {
	switch {
	case file.Name != "":
		return path.Base(file.Name)
	case ref.FileName != "":
		return path.Base(ref.FileName)
	default:
		return ref.FileID + ".png"
	}
}

// searchQueries extracts the grounding queries a hosted run issued. Errors
// are logged and yield no queries.
func (o *Orchestrator) searchQueries(ctx context.Context, th domain.Thread, runID string) []string {
	log := logger.FromContext(ctx, o.logger)
	platform := o.platformFor(th)
	if platform == nil || runID == "" {
		return nil
	}
	steps, err := platform.ListRunSteps(ctx, th.ID(), runID)
	if err != nil {
		log.Warn("list run steps failed", "run_id", runID, "error", err)
		return nil
	}
	var queries []string
	for _, step := range steps {
		for _, call := range step.ToolCalls {
			if call.RequestURL == "" {
				continue
			}
			u, err := url.Parse(call.RequestURL)
			if err != nil {
				log.Warn("unparseable grounding url", "run_id", runID, "error", err)
				continue
			}
			if q := u.Query().Get(searchQueryParam); q != "" {
				queries = append(queries, q)
			}
		}
	}
	return queries
}
