package translation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/shopkeep"
	"github.com/everydev1618/shopkeep/container"
	"github.com/everydev1618/shopkeep/store"
	"github.com/everydev1618/shopkeep/translation/po"
)

const templatePOT = `msgid ""
msgstr ""
"Project-Id-Version: WooCommerce 8.6.1\n"

msgid "Welcome"
msgstr ""

msgid "Add to cart"
msgstr ""

msgctxt "product"
msgid "Sale!"
msgstr ""

msgid "%s item"
msgid_plural "%s items"
msgstr[0] ""
msgstr[1] ""
`

// fakeExec is one web container's filesystem plus the few shell commands the
// pipeline runs.
type fakeExec struct {
	mu     sync.Mutex
	files  map[string]string
	writes int
	failMv bool
	// failMvAt fails only the n-th mv, counting from 1.
	failMvAt int
	mvs      int
}

func newFakeExec() *fakeExec {
	return &fakeExec{files: map[string]string{TemplatePath: templatePOT}}
}

func (f *fakeExec) Exec(ctx context.Context, name string, spec container.ExecSpec) (container.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch spec.Cmd[0] {
	case "mv":
		f.mvs++
		if f.failMv || f.mvs == f.failMvAt {
			return container.ExecResult{ExitCode: 1, Stderr: "mv: cannot move"}, nil
		}
		f.files[spec.Cmd[3]] = f.files[spec.Cmd[2]]
		delete(f.files, spec.Cmd[2])
	case "rm":
		for _, p := range spec.Cmd[2:] {
			delete(f.files, p)
		}
	}
	return container.ExecResult{}, nil
}

func (f *fakeExec) WriteFile(ctx context.Context, name, dst string, data []byte, mode int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.files[dst] = string(data)
	return nil
}

func (f *fakeExec) ReadFile(ctx context.Context, name, src string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[src]
	if !ok {
		return nil, shopkeep.NewError(shopkeep.ErrNotFound, "read file", "", nil)
	}
	return []byte(data), nil
}

func (f *fakeExec) snapshot() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.files))
	for k, v := range f.files {
		out[k] = v
	}
	return out
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "shops.db"))
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

// readyShop walks a fresh single-site record to READY.
func readyShop(t *testing.T, st store.Store, site string) {
	t.Helper()
	ctx := context.Background()
	lease, err := st.Reserve(ctx, shopkeep.ShopRequest{SiteName: site}.WithDefaults())
	require.NoError(t, err)
	for _, s := range shopkeep.States(shopkeep.TenantSingle)[1:] {
		_, err := st.Advance(ctx, lease, s, store.Patch{})
		require.NoError(t, err)
	}
}

func setup(t *testing.T) (*Pipeline, *fakeExec, store.Store) {
	t.Helper()
	st := newTestStore(t)
	readyShop(t, st, "demo1")
	fx := newFakeExec()
	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return NewPipeline(st, fx, WithClock(clock)), fx, st
}

func table(t *testing.T, rows []Row) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, rows))
	return &buf
}

func TestExport(t *testing.T) {
	p, _, st := setup(t)
	ctx := context.Background()

	exp, err := p.Export(ctx, "demo1", "")
	require.NoError(t, err)
	assert.Equal(t, shopkeep.DefaultLocale, exp.Locale)
	require.Len(t, exp.Rows, 4)
	for _, r := range exp.Rows {
		assert.Empty(t, r.Translated)
		assert.Equal(t, StringID(r.Context, r.Source), r.StringID)
	}
	assert.Equal(t, "product", exp.Rows[2].Context)

	known, err := st.ExportedStrings(ctx, "demo1")
	require.NoError(t, err)
	assert.Len(t, known, 4)
	assert.Equal(t, "%s items", known[StringID("", "%s item")].Plural)

	var buf bytes.Buffer
	require.NoError(t, exp.WriteCSV(&buf))
	assert.Contains(t, buf.String(), "string_id,context,source_text,translated_text\n")
}

func TestExportRequiresReadyShop(t *testing.T) {
	p, _, st := setup(t)
	ctx := context.Background()

	_, err := p.Export(ctx, "nope", "")
	assert.ErrorIs(t, err, shopkeep.ErrNotFound)

	_, err = st.Reserve(ctx, shopkeep.ShopRequest{SiteName: "pending"}.WithDefaults())
	require.NoError(t, err)
	_, err = p.Export(ctx, "pending", "")
	assert.ErrorIs(t, err, shopkeep.ErrNotFound)

	_, err = p.Import(ctx, "pending", "fr_FR", strings.NewReader(""))
	assert.ErrorIs(t, err, shopkeep.ErrNotFound)
}

func TestExportRejectsBadLocale(t *testing.T) {
	p, _, _ := setup(t)
	_, err := p.Export(context.Background(), "demo1", "not a locale")
	assert.ErrorIs(t, err, shopkeep.ErrValidation)
}

func TestRoundTrip(t *testing.T) {
	p, fx, _ := setup(t)
	ctx := context.Background()

	exp, err := p.Export(ctx, "demo1", "fr_FR")
	require.NoError(t, err)
	rows := exp.Rows
	rows[0].Translated = "Bienvenue"

	res, err := p.Import(ctx, "demo1", "fr_FR", table(t, rows))
	require.NoError(t, err)
	assert.Equal(t, "fr_FR", res.Locale)
	assert.Equal(t, 1, res.StringsUpdated)
	assert.Equal(t, CatalogPath("fr_FR")+".mo", res.Catalog)

	files := fx.snapshot()
	require.Contains(t, files, CatalogPath("fr_FR")+".mo")
	require.Contains(t, files, CatalogPath("fr_FR")+".po")
	for path := range files {
		assert.NotContains(t, path, ".shopkeep-", "no temporary file is left behind")
	}

	msgs, err := po.DecodeMO([]byte(files[CatalogPath("fr_FR")+".mo"]))
	require.NoError(t, err)
	var found bool
	for _, m := range msgs {
		if m.ID == "Welcome" {
			found = true
			assert.Equal(t, []string{"Bienvenue"}, m.Str)
		}
	}
	assert.True(t, found)

	again, err := p.Export(ctx, "demo1", "fr_FR")
	require.NoError(t, err)
	assert.Equal(t, "Bienvenue", again.Rows[0].Translated)
	assert.Empty(t, again.Rows[1].Translated)

	// Importing the same table again changes nothing.
	res, err = p.Import(ctx, "demo1", "fr_FR", table(t, rows))
	require.NoError(t, err)
	assert.Equal(t, 0, res.StringsUpdated)
}

func TestImportFillsPluralForms(t *testing.T) {
	p, fx, _ := setup(t)
	ctx := context.Background()

	_, err := p.Export(ctx, "demo1", "fr_FR")
	require.NoError(t, err)

	res, err := p.Import(ctx, "demo1", "fr_FR", table(t, []Row{
		{StringID: StringID("", "%s item"), Translated: "%s article(s)"},
		{StringID: StringID("product", "Sale!"), Translated: "Promo !"},
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, res.StringsUpdated)

	f, err := po.ParseBytes([]byte(fx.snapshot()[CatalogPath("fr_FR")+".po"]))
	require.NoError(t, err)
	assert.Equal(t, "fr_FR", f.HeaderField("Language"))
	assert.Equal(t, []string{"%s article(s)", "%s article(s)"}, f.Lookup("", "%s item").Str)
	assert.Equal(t, "Promo !", f.Lookup("product", "Sale!").Translation())
}

func TestImportRejectsWholeTableOnUnknownID(t *testing.T) {
	p, fx, _ := setup(t)
	ctx := context.Background()

	exp, err := p.Export(ctx, "demo1", "fr_FR")
	require.NoError(t, err)
	rows := exp.Rows
	for i := range rows {
		rows[i].Translated = fmt.Sprintf("traduction %d", i)
	}
	rows = append(rows, Row{StringID: "ffffffffffffffff", Source: "Ghost", Translated: "Fantôme"})
	before := fx.snapshot()

	_, err = p.Import(ctx, "demo1", "fr_FR", table(t, rows))
	require.ErrorIs(t, err, shopkeep.ErrValidation)
	details := shopkeep.DetailsOf(err)
	require.Len(t, details, 1)
	assert.Contains(t, details[0], "unknown string_id ffffffffffffffff")
	assert.Contains(t, details[0], "line 6")

	assert.Equal(t, before, fx.snapshot(), "nothing is deployed")
	assert.Zero(t, fx.writes)
}

func TestImportRejectsUnknownIDWithoutTranslation(t *testing.T) {
	p, fx, _ := setup(t)
	ctx := context.Background()

	exp, err := p.Export(ctx, "demo1", "fr_FR")
	require.NoError(t, err)
	rows := exp.Rows
	rows[0].Translated = "Bienvenue"
	rows = append(rows, Row{StringID: "ffffffffffffffff", Source: "Ghost"})

	_, err = p.Import(ctx, "demo1", "fr_FR", table(t, rows))
	require.ErrorIs(t, err, shopkeep.ErrValidation)
	details := shopkeep.DetailsOf(err)
	require.Len(t, details, 1)
	assert.Contains(t, details[0], "unknown string_id ffffffffffffffff")
	assert.Zero(t, fx.writes)
}

func TestImportRejectsInvalidUTF8(t *testing.T) {
	p, fx, _ := setup(t)
	ctx := context.Background()

	_, err := p.Export(ctx, "demo1", "fr_FR")
	require.NoError(t, err)
	doc := "string_id,translated_text\n" + StringID("", "Welcome") + ",Bienvenue \xe9t\xe9\n"

	_, err = p.Import(ctx, "demo1", "fr_FR", strings.NewReader(doc))
	require.ErrorIs(t, err, shopkeep.ErrValidation)
	assert.Zero(t, fx.writes)
	assert.NotContains(t, fx.snapshot(), CatalogPath("fr_FR")+".mo")
}

func TestImportDefaultsToShopLocale(t *testing.T) {
	p, fx, _ := setup(t)
	ctx := context.Background()

	exp, err := p.Export(ctx, "demo1", "")
	require.NoError(t, err)
	exp.Rows[0].Translated = "Welcome!"

	res, err := p.Import(ctx, "demo1", "", table(t, exp.Rows))
	require.NoError(t, err)
	assert.Equal(t, shopkeep.DefaultLocale, res.Locale)
	assert.Contains(t, fx.snapshot(), CatalogPath(shopkeep.DefaultLocale)+".mo")

	res, err = p.Import(ctx, "demo1", "fr_FR", table(t, exp.Rows))
	require.NoError(t, err)
	assert.Equal(t, "fr_FR", res.Locale)
}

func TestImportRejectsMismatchedSource(t *testing.T) {
	p, _, _ := setup(t)
	ctx := context.Background()

	_, err := p.Export(ctx, "demo1", "fr_FR")
	require.NoError(t, err)
	_, err = p.Import(ctx, "demo1", "fr_FR", table(t, []Row{
		{StringID: StringID("", "Welcome"), Source: "Goodbye", Translated: "Au revoir"},
	}))
	assert.ErrorIs(t, err, shopkeep.ErrValidation)
}

func TestImportBeforeExportIsValidationError(t *testing.T) {
	p, _, _ := setup(t)
	_, err := p.Import(context.Background(), "demo1", "fr_FR", table(t, []Row{
		{StringID: StringID("", "Welcome"), Translated: "Bienvenue"},
	}))
	assert.ErrorIs(t, err, shopkeep.ErrValidation)
}

func TestConcurrentImportIsConflict(t *testing.T) {
	p, _, _ := setup(t)
	ctx := context.Background()

	release, err := p.acquire("demo1", "fr_FR")
	require.NoError(t, err)

	_, err = p.Import(ctx, "demo1", "fr_FR", table(t, nil))
	assert.ErrorIs(t, err, shopkeep.ErrConflict)

	// Another locale of the same store is independent.
	_, err = p.Import(ctx, "demo1", "de_DE", table(t, nil))
	assert.NoError(t, err)

	release()
	_, err = p.Import(ctx, "demo1", "fr_FR", table(t, nil))
	assert.NoError(t, err)
}

func TestDeployFailureLeavesPriorCatalog(t *testing.T) {
	p, fx, _ := setup(t)
	ctx := context.Background()

	exp, err := p.Export(ctx, "demo1", "fr_FR")
	require.NoError(t, err)
	exp.Rows[0].Translated = "Bienvenue"
	_, err = p.Import(ctx, "demo1", "fr_FR", table(t, exp.Rows))
	require.NoError(t, err)
	before := fx.snapshot()

	fx.failMv = true
	exp.Rows[0].Translated = "Salut"
	_, err = p.Import(ctx, "demo1", "fr_FR", table(t, exp.Rows))
	require.ErrorIs(t, err, shopkeep.ErrExternal)
	assert.Equal(t, before, fx.snapshot(), "prior catalog untouched and temporary files removed")
}

func TestDeployFailureAfterCompiledCatalogRestoresIt(t *testing.T) {
	p, fx, _ := setup(t)
	ctx := context.Background()

	exp, err := p.Export(ctx, "demo1", "fr_FR")
	require.NoError(t, err)
	exp.Rows[0].Translated = "Bienvenue"
	_, err = p.Import(ctx, "demo1", "fr_FR", table(t, exp.Rows))
	require.NoError(t, err)
	before := fx.snapshot()

	// The .mo rename succeeds and the .po rename fails.
	fx.mvs = 0
	fx.failMvAt = 2
	exp.Rows[0].Translated = "Salut"
	_, err = p.Import(ctx, "demo1", "fr_FR", table(t, exp.Rows))
	require.ErrorIs(t, err, shopkeep.ErrExternal)
	assert.Equal(t, before, fx.snapshot(), "both catalog files keep the prior revision")
}

func TestDeployFailureOnFirstImportLeavesNoCatalog(t *testing.T) {
	p, fx, _ := setup(t)
	ctx := context.Background()

	exp, err := p.Export(ctx, "demo1", "fr_FR")
	require.NoError(t, err)
	before := fx.snapshot()

	fx.failMvAt = 2
	exp.Rows[0].Translated = "Bienvenue"
	_, err = p.Import(ctx, "demo1", "fr_FR", table(t, exp.Rows))
	require.ErrorIs(t, err, shopkeep.ErrExternal)
	assert.Equal(t, before, fx.snapshot())
}

func TestMissingTemplateIsExternal(t *testing.T) {
	p, fx, _ := setup(t)
	delete(fx.files, TemplatePath)
	_, err := p.Export(context.Background(), "demo1", "")
	assert.ErrorIs(t, err, shopkeep.ErrExternal)
	assert.False(t, errors.Is(err, shopkeep.ErrNotFound))
}
