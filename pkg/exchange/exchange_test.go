package exchange

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/orneryd/stratadb/pkg/merge"
	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/orneryd/stratadb/pkg/stratadb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T, layers ...string) *stratadb.DB {
	t.Helper()
	cfg := stratadb.DefaultConfig()
	cfg.InMemory = true
	cfg.DataDir = ""
	db, err := stratadb.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	for _, name := range layers {
		_, err := db.CreateLayer(context.Background(), name, "")
		require.NoError(t, err)
	}
	return db
}

func seedSource(t *testing.T) *stratadb.DB {
	t.Helper()
	ctx := context.Background()
	db := openDB(t, "discovery", "manual")
	_, err := db.Update(ctx, "seed", func(w *stratadb.Writer) error {
		for _, id := range []storage.CIID{"app-1", "host-1", "host-2"} {
			if err := w.CreateCI(id); err != nil {
				return err
			}
		}
		if err := w.PutPredicate(&storage.Predicate{ID: "runs_on", WordingFrom: "runs on", WordingTo: "is running"}); err != nil {
			return err
		}
		writes := []struct {
			ci    storage.CIID
			name  string
			value storage.Value
			layer string
		}{
			{"host-1", "hostname", storage.Text("h123"), "discovery"},
			{"host-1", "hostname", storage.Text("h125"), "manual"},
			{"host-1", "cpus", storage.Integer(8), "discovery"},
			{"app-1", "port", storage.Integer(8080), "manual"},
		}
		for _, wr := range writes {
			if _, _, err := w.SetAttribute(wr.ci, wr.name, wr.value, wr.layer); err != nil {
				return err
			}
		}
		_, _, err := w.AddRelation("app-1", "runs_on", "host-1", "discovery")
		return err
	})
	require.NoError(t, err)
	return db
}

func TestExport(t *testing.T) {
	src := seedSource(t)
	archive, err := Export(context.Background(), src, stratadb.ReadOptions{Layers: []string{"manual", "discovery"}})
	require.NoError(t, err)

	assert.Equal(t, FormatVersion, archive.Version)
	assert.Equal(t, []string{"manual", "discovery"}, archive.Layers)
	assert.Nil(t, archive.At)
	require.Len(t, archive.CIs, 3)
	assert.Equal(t, storage.CIID("app-1"), archive.CIs[0].ID)

	host := archive.CIs[1]
	assert.Equal(t, storage.Text("h125"), host.Attributes["hostname"].Value)
	assert.Equal(t, storage.Integer(8), host.Attributes["cpus"].Value)
	assert.Empty(t, archive.CIs[2].Attributes)

	require.Len(t, archive.Relations, 1)
	assert.Equal(t, storage.RelationKey{From: "app-1", Predicate: "runs_on", To: "host-1"}, archive.Relations[0])
	require.Len(t, archive.Predicates, 1)
	assert.Equal(t, "runs on", archive.Predicates[0].WordingFrom)
}

func TestExport_Historical(t *testing.T) {
	src := seedSource(t)
	before := time.Now().Add(-time.Hour)
	archive, err := Export(context.Background(), src, stratadb.ReadOptions{At: before})
	require.NoError(t, err)
	require.NotNil(t, archive.At)
	for _, ci := range archive.CIs {
		assert.Empty(t, ci.Attributes)
	}
	assert.Empty(t, archive.Relations)
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := seedSource(t)
	archive, err := Export(ctx, src, stratadb.ReadOptions{Layers: []string{"manual", "discovery"}})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, WriteFile(path, archive))
	loaded, err := ReadFile(path)
	require.NoError(t, err)

	dst := openDB(t, "imported")
	res, err := Import(ctx, dst, loaded, "imported", "migration")
	require.NoError(t, err)
	require.NotNil(t, res.Changeset)
	assert.Equal(t, "migration", res.Changeset.Author)
	assert.Equal(t, 4, res.Created)

	host, err := dst.MergedCI(ctx, "host-1", stratadb.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, storage.Text("h125"), host.Attributes["hostname"].Value)
	assert.Equal(t, storage.Integer(8), host.Attributes["cpus"].Value)

	rels, err := dst.MergedRelations(ctx, merge.RelationSelection{}, stratadb.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, rels.Relations, 1)

	preds, err := dst.Predicates(ctx)
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, "is running", preds[0].WordingTo)

	// Re-importing the same archive is a no-op.
	res, err = Import(ctx, dst, loaded, "imported", "migration")
	require.NoError(t, err)
	assert.False(t, res.Modified())
	assert.Nil(t, res.Changeset)

	// Dropping a fact from the archive removes it from the layer.
	delete(loaded.CIs[1].Attributes, "cpus")
	loaded.Relations = nil
	res, err = Import(ctx, dst, loaded, "imported", "migration")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Removed)

	again, err := Export(ctx, dst, stratadb.ReadOptions{})
	require.NoError(t, err)
	assert.NotContains(t, again.CIs[1].Attributes, "cpus")
	assert.Empty(t, again.Relations)
}

func TestImport_Validation(t *testing.T) {
	ctx := context.Background()
	dst := openDB(t, "imported")

	_, err := Import(ctx, dst, &Archive{Version: 99}, "imported", "")
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	res, err := Import(ctx, dst, &Archive{Version: FormatVersion}, "imported", "")
	require.NoError(t, err)
	assert.False(t, res.Modified())

	archive := &Archive{Version: FormatVersion, CIs: []CI{{ID: "a", Attributes: map[string]storage.TypedValue{
		"os": {Value: storage.Text("linux")},
	}}}}
	_, err = Import(ctx, dst, archive, "missing", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRead_Malformed(t *testing.T) {
	_, err := Read(strings.NewReader(`{"version": 1, "cis": [{"id": "a", "attributes": {"x": {"type": "nope"}}}]}`))
	assert.Error(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &Archive{Version: FormatVersion}))
	assert.Contains(t, buf.String(), "\n  \"version\": 1")
}
