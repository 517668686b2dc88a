package query

import (
	"context"

	"github.com/folder-mcp/folderd/internal/fleet"
)

const (
	folderPreviewPhrases = 15
	recentFileCount      = 5
)

// ListFolders returns every configured folder's runtime state plus a
// semantic preview assembled from its index. Folders whose index is not
// open yet come back with state only.
func (s *Service) ListFolders(ctx context.Context) ([]FolderSummary, error) {
	snap := s.fleet.Snapshot()

	summaries := make([]FolderSummary, 0, len(snap.Folders))
	for _, fs := range snap.Folders {
		summaries = append(summaries, s.folderSummary(ctx, fs))
	}
	return summaries, nil
}

func (s *Service) folderSummary(ctx context.Context, fs fleet.FolderState) FolderSummary {
	sum := FolderSummary{
		Path:  fs.Path,
		Model: fs.Model,
		IndexingStatus: IndexingStatus{
			Status:      fs.Status,
			IsIndexed:   fs.Status == fleet.StatusIndexed || fs.Status == fleet.StatusWatching,
			Progress:    fs.Progress,
			LastIndexed: fs.LastIndexed,
			LastError:   fs.LastError,
		},
		DocumentCount: fs.DocumentCount,
		ChunkCount:    fs.ChunkCount,
		TopKeyPhrases: []string{},
		Complexity:    ComplexitySimple,
		RecentFiles:   []RecentFile{},
		Notifications: fs.Notifications,
	}

	t, err := s.folders.Resolve(fs.Path)
	if err != nil || t.Store == nil {
		return sum
	}

	if groups, err := t.Store.KeywordsUnder(ctx, ""); err == nil {
		sum.TopKeyPhrases = SelectDiverse(groups, folderPreviewPhrases)
		if sum.TopKeyPhrases == nil {
			sum.TopKeyPhrases = []string{}
		}
	}

	// An empty folder has no prose to judge, so it stays simple.
	if fs.DocumentCount > 0 {
		if avg, err := t.Store.AvgReadability(ctx, ""); err == nil {
			sum.Complexity = ComplexityOf(avg)
		}
	}

	if recent, err := t.Store.RecentDocuments(ctx, recentFileCount); err == nil {
		for _, doc := range recent {
			sum.RecentFiles = append(sum.RecentFiles, RecentFile{
				Path:        doc.Path,
				Modified:    doc.ModTime,
				DownloadURL: s.downloadURL(t.Path, doc.Path),
			})
		}
	}

	return sum
}
