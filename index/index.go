package index

import (
	"fmt"
	"os"

	"go-asset-vault/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

const defaultIndexPath = "assetvault.bleve"

// Item is one searchable catalog entry. Fields are indexed under their
// lowercase JSON tag names (e.g., query '+namespace:ue' or '+kind:ASSET_PACK').
type Item struct {
	ID              string   `json:"id"` // namespace/assetId
	Namespace       string   `json:"namespace"`
	AssetID         string   `json:"assetId"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Kind            string   `json:"kind"`
	EngineVersions  []string `json:"engineVersions,omitempty"`
	Platforms       []string `json:"platforms,omitempty"`
	ArtifactIDs     []string `json:"artifactIds,omitempty"`
	DownloadedCount int      `json:"downloadedCount"`
}

// OpenOrCreateIndex opens an existing Bleve index or creates a new one if it doesn't exist.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	idx, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		log.Debugf("Creating new index at: %s", indexPath)
		mapping := bleve.NewIndexMapping()
		idx, err = bleve.New(indexPath, mapping)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		log.Debugf("Opened existing index at: %s", indexPath)
	}
	return idx, nil
}

// IndexAssets (re)indexes a catalog listing in one batch.
func IndexAssets(idx bleve.Index, assets []models.AssetRecord) error {
	batch := idx.NewBatch()
	for _, asset := range assets {
		item := fromAssetRecord(asset)
		if err := batch.Index(item.ID, item); err != nil {
			return fmt.Errorf("indexing asset %s: %w", item.ID, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return fmt.Errorf("applying index batch: %w", err)
	}
	log.Debugf("Indexed %d assets", len(assets))
	return nil
}

func fromAssetRecord(asset models.AssetRecord) Item {
	item := Item{
		ID:          asset.Namespace + "/" + asset.AssetID,
		Namespace:   asset.Namespace,
		AssetID:     asset.AssetID,
		Title:       asset.Title,
		Description: asset.Description,
		Kind:        asset.DistributionKind,
	}
	for _, v := range asset.Versions {
		item.ArtifactIDs = append(item.ArtifactIDs, v.ArtifactID)
		item.EngineVersions = append(item.EngineVersions, v.EngineVersions...)
		item.Platforms = append(item.Platforms, v.Platforms...)
		if v.Downloaded {
			item.DownloadedCount++
		}
	}
	return item
}

// SearchIndex performs a search query against the index.
func SearchIndex(idx bleve.Index, query string) (*bleve.SearchResult, error) {
	searchQuery := bleve.NewQueryStringQuery(query)
	searchRequest := bleve.NewSearchRequest(searchQuery)
	searchRequest.Fields = []string{"*"}
	return idx.Search(searchRequest)
}

// DeleteIndex removes the index directory. Use with caution!
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Debugf("Deleting index at: %s", indexPath)
	return os.RemoveAll(indexPath)
}
