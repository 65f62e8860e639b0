// Package exchange moves merged configuration between StrataDB instances.
//
// An Archive is a flattened snapshot: the merged attributes of every CI and
// the merged relations between them, as seen through one layer set at one
// point in time. Importing an archive writes it into a single target layer,
// converging that layer to the archive content in one transaction and one
// changeset.
//
// Example Usage:
//
//	archive, err := exchange.Export(ctx, src, stratadb.ReadOptions{Layers: []string{"manual", "discovery"}})
//	if err != nil {
//		return err
//	}
//	if err := exchange.WriteFile("./cmdb-export.json", archive); err != nil {
//		return err
//	}
//
//	archive, err = exchange.ReadFile("./cmdb-export.json")
//	res, err := exchange.Import(ctx, dst, archive, "imported", "migration")
//
// Archive Format:
//
//	{
//	  "version": 1,
//	  "exportedAt": "2024-05-01T12:00:00Z",
//	  "layers": ["manual", "discovery"],
//	  "predicates": [{"id": "runs_on", "wordingFrom": "runs on", "wordingTo": "is running"}],
//	  "cis": [
//	    {"id": "host-1", "attributes": {"hostname": {"type": "text", "value": "h123"}}}
//	  ],
//	  "relations": [{"from": "app-1", "predicate": "runs_on", "to": "host-1"}]
//	}
package exchange

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"
	"time"

	"github.com/orneryd/stratadb/pkg/merge"
	"github.com/orneryd/stratadb/pkg/mutation"
	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/orneryd/stratadb/pkg/stratadb"
	"github.com/pkg/errors"
)

// FormatVersion is the archive version written by Export.
const FormatVersion = 1

// ErrUnsupportedVersion is returned for archives of an unknown version.
var ErrUnsupportedVersion = errors.New("unsupported archive version")

// Archive is a merged snapshot of CIs and relations.
type Archive struct {
	Version    int                   `json:"version"`
	ExportedAt time.Time             `json:"exportedAt"`
	Layers     []string              `json:"layers"`
	At         *time.Time            `json:"at,omitempty"`
	Predicates []*storage.Predicate  `json:"predicates,omitempty"`
	CIs        []CI                  `json:"cis"`
	Relations  []storage.RelationKey `json:"relations,omitempty"`
	// Skipped counts attributes left out because their stored value was
	// malformed.
	Skipped int `json:"skipped,omitempty"`
}

// CI is one configuration item with its merged attribute values.
type CI struct {
	ID         storage.CIID                  `json:"id"`
	Attributes map[string]storage.TypedValue `json:"attributes"`
}

// Export snapshots the merged view selected by opts. CIs without any live
// attribute are included with an empty attribute map.
func Export(ctx context.Context, db *stratadb.DB, opts stratadb.ReadOptions) (*Archive, error) {
	archive := &Archive{Version: FormatVersion, ExportedAt: time.Now().UTC()}
	if !opts.At.IsZero() {
		at := opts.At.UTC()
		archive.At = &at
	}

	err := db.View(ctx, func(tx *storage.Tx) error {
		q, err := db.Query(ctx, tx, opts)
		if err != nil {
			return err
		}
		for _, id := range q.Layers.IDs() {
			l, err := tx.GetLayer(id)
			if err != nil {
				return err
			}
			archive.Layers = append(archive.Layers, l.Name)
		}

		reader := db.Reader()
		cis, err := reader.GetMergedCIs(ctx, tx, nil, q)
		if err != nil {
			return errors.Wrap(err, "merging CIs")
		}
		for _, ci := range cis.CIs {
			archive.CIs = append(archive.CIs, toArchiveCI(ci))
			archive.Skipped += len(ci.Failures)
		}

		rels, err := reader.GetMergedRelations(ctx, tx, merge.RelationSelection{}, q)
		if err != nil {
			return errors.Wrap(err, "merging relations")
		}
		used := make(map[string]bool)
		for _, r := range rels.Relations {
			archive.Relations = append(archive.Relations, r.Key())
			used[r.Predicate] = true
		}

		preds, err := tx.ListPredicates(ctx)
		if err != nil {
			return err
		}
		for _, p := range preds {
			if used[p.ID] {
				archive.Predicates = append(archive.Predicates, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return archive, nil
}

func toArchiveCI(ci *merge.MergedCI) CI {
	out := CI{ID: ci.ID, Attributes: make(map[string]storage.TypedValue, len(ci.Attributes))}
	for name, a := range ci.Attributes {
		out.Attributes[name] = storage.TypedValue{Value: a.Value}
	}
	return out
}

// Import converges layerName to the archive content in one transaction.
//
// Missing CIs and predicates are created. Attributes of the archived CIs and
// relations leaving them are replaced; facts about other CIs in the layer
// are left alone.
func Import(ctx context.Context, db *stratadb.DB, archive *Archive, layerName, author string) (*mutation.BulkResult, error) {
	if archive.Version != FormatVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "version %d", archive.Version)
	}
	result := &mutation.BulkResult{}
	if len(archive.CIs) == 0 && len(archive.Relations) == 0 {
		return result, nil
	}

	ids := make([]storage.CIID, 0, len(archive.CIs))
	var facts []mutation.AttributeFact
	for _, ci := range archive.CIs {
		ids = append(ids, ci.ID)
		for _, name := range sortedNames(ci.Attributes) {
			facts = append(facts, mutation.AttributeFact{CI: ci.ID, Name: name, Value: ci.Attributes[name].Value})
		}
	}
	from := append([]storage.CIID(nil), ids...)
	for _, r := range archive.Relations {
		from = append(from, r.From)
	}

	_, err := db.Update(ctx, author, func(w *stratadb.Writer) error {
		for _, p := range archive.Predicates {
			if _, err := w.Tx().GetPredicate(p.ID); errors.Is(err, storage.ErrNotFound) {
				if err := w.PutPredicate(p); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
		}
		for _, id := range ids {
			if err := w.EnsureCI(id); err != nil {
				return err
			}
		}
		for _, r := range archive.Relations {
			if err := w.EnsureCI(r.From); err != nil {
				return err
			}
			if err := w.EnsureCI(r.To); err != nil {
				return err
			}
			if err := w.EnsurePredicate(r.Predicate); err != nil {
				return err
			}
		}

		if len(ids) > 0 {
			res, err := w.ReplaceAttributes(mutation.AttributeScope{CIs: ids}, facts, layerName)
			if err != nil {
				return errors.Wrap(err, "importing attributes")
			}
			result.Merge(res)
		}
		res, err := w.ReplaceRelations(mutation.RelationScope{FromCIs: from}, archive.Relations, layerName)
		if err != nil {
			return errors.Wrap(err, "importing relations")
		}
		result.Merge(res)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func sortedNames(m map[string]storage.TypedValue) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Write encodes archive as indented JSON.
func Write(w io.Writer, archive *Archive) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(archive); err != nil {
		return errors.Wrap(err, "encoding archive")
	}
	return nil
}

// Read decodes an archive.
func Read(r io.Reader) (*Archive, error) {
	var archive Archive
	if err := json.NewDecoder(r).Decode(&archive); err != nil {
		return nil, errors.Wrap(err, "decoding archive")
	}
	return &archive, nil
}

// WriteFile writes archive to path, replacing any existing file.
func WriteFile(path string, archive *Archive) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating file")
	}
	if err := Write(file, archive); err != nil {
		file.Close()
		return err
	}
	return errors.Wrap(file.Close(), "closing file")
}

// ReadFile reads an archive from path.
func ReadFile(path string) (*Archive, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening file")
	}
	defer file.Close()
	return Read(file)
}
