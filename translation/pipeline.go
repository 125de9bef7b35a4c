// Package translation exports a shop's translatable strings as an editable
// table and deploys edited tables back as compiled catalogs.
package translation

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/everydev1618/shopkeep"
	"github.com/everydev1618/shopkeep/internal/metrics"
	"github.com/everydev1618/shopkeep/store"
	"github.com/everydev1618/shopkeep/translation/po"
	"github.com/everydev1618/shopkeep/wordpress"
)

const (
	// Domain is the text domain whose strings are exchanged.
	Domain = "woocommerce"

	TemplatePath = wordpress.DocRoot + "/wp-content/plugins/woocommerce/i18n/languages/woocommerce.pot"
	LanguageDir  = wordpress.DocRoot + "/wp-content/languages/plugins"

	defaultPluralForms = "nplurals=2; plural=(n != 1);"
)

// StringID derives the stable identifier of a message from its context and
// source text.
func StringID(context, source string) string {
	sum := sha1.Sum([]byte(context + "\x04" + source))
	return hex.EncodeToString(sum[:])[:16]
}

// CatalogPath returns the deployed catalog path of a locale without extension.
func CatalogPath(locale string) string {
	return fmt.Sprintf("%s/%s-%s", LanguageDir, Domain, locale)
}

// Export is an exported table.
type Export struct {
	StoreName  string    `json:"store_name"`
	Locale     string    `json:"locale"`
	ExportedAt time.Time `json:"exported_at"`
	Rows       []Row     `json:"-"`
}

// WriteCSV renders the export as an exchange table.
func (e *Export) WriteCSV(w io.Writer) error {
	return WriteTable(w, e.Rows)
}

// DeployResult is the outcome of an import.
type DeployResult struct {
	StoreName      string    `json:"store_name"`
	Locale         string    `json:"locale"`
	StringsUpdated int       `json:"strings_updated"`
	StringsTotal   int       `json:"strings_total"`
	Catalog        string    `json:"catalog"`
	DeployedAt     time.Time `json:"deployed_at"`
}

// Pipeline moves strings between a shop's live catalog and exchange tables.
type Pipeline struct {
	store  store.Store
	exec   wordpress.Executor
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	importing map[string]bool
}

// PipelineOption configures the Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a pipeline over the record store and the container runtime.
func NewPipeline(st store.Store, exec wordpress.Executor, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:     st,
		exec:      exec,
		logger:    slog.Default(),
		now:       time.Now,
		importing: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// resolve returns the READY record of storeName and the effective locale.
func (p *Pipeline) resolve(ctx context.Context, op, storeName, locale string) (shopkeep.ShopRecord, string, error) {
	rec, err := p.store.Get(ctx, storeName)
	if err != nil {
		return rec, "", err
	}
	if rec.State != shopkeep.StateReady {
		return rec, "", shopkeep.NewError(shopkeep.ErrNotFound, op, storeName,
			fmt.Errorf("shop is %s, not READY", rec.State))
	}
	if locale == "" {
		locale = rec.Locale
	}
	if _, err := shopkeep.ParseLocale(locale); err != nil {
		return rec, "", shopkeep.NewError(shopkeep.ErrValidation, op, storeName, err, "locale: "+err.Error())
	}
	return rec, locale, nil
}

// Export reads every message of the shop's template and returns them with the
// translations currently deployed for locale. An empty locale means the
// shop's own. The exported IDs are remembered so a later import can be
// checked against them.
func (p *Pipeline) Export(ctx context.Context, storeName, locale string) (exp *Export, err error) {
	defer func() { metrics.RecordTranslation("export", err) }()

	rec, locale, err := p.resolve(ctx, "export strings", storeName, locale)
	if err != nil {
		return nil, err
	}
	container := shopkeep.WebContainerName(rec.SiteName)

	tmpl, err := p.readCatalog(ctx, container, TemplatePath)
	if err != nil {
		return nil, shopkeep.NewError(shopkeep.ErrExternal, "export strings", storeName, err)
	}
	if tmpl == nil {
		return nil, shopkeep.NewError(shopkeep.ErrExternal, "export strings", storeName,
			fmt.Errorf("template %s not found", TemplatePath))
	}
	deployed, err := p.readCatalog(ctx, container, CatalogPath(locale)+".po")
	if err != nil {
		return nil, shopkeep.NewError(shopkeep.ErrExternal, "export strings", storeName, err)
	}
	var current map[string]*po.Entry
	if deployed != nil {
		current = deployed.Index()
	}

	exp = &Export{StoreName: storeName, Locale: locale, ExportedAt: p.now().UTC()}
	strs := make([]shopkeep.CatalogString, 0, len(tmpl.Entries))
	seen := make(map[string]bool, len(tmpl.Entries))
	for _, e := range tmpl.Entries {
		id := StringID(e.Context, e.ID)
		if seen[id] {
			continue
		}
		seen[id] = true

		row := Row{StringID: id, Context: e.Context, Source: e.ID}
		if d, ok := current[e.Key()]; ok && !d.Fuzzy() {
			row.Translated = d.Translation()
		}
		exp.Rows = append(exp.Rows, row)
		strs = append(strs, shopkeep.CatalogString{ID: id, Context: e.Context, Source: e.ID, Plural: e.IDPlural})
	}

	if err := p.store.RecordExport(ctx, storeName, locale, exp.ExportedAt, strs); err != nil {
		return nil, err
	}
	p.logger.Info("strings exported", "store", storeName, "locale", locale, "strings", len(exp.Rows))
	return exp, nil
}

// Import validates an edited table, merges its translations into the
// deployed catalog of locale, compiles it and swaps it into place. Every
// string_id must come from an earlier export of the same store; one unknown
// id rejects the whole table before anything is written. A second import for
// the same store and locale while one runs is a shopkeep.ErrConflict.
func (p *Pipeline) Import(ctx context.Context, storeName, locale string, table io.Reader) (res *DeployResult, err error) {
	defer func() { metrics.RecordTranslation("import", err) }()

	rec, locale, err := p.resolve(ctx, "import strings", storeName, locale)
	if err != nil {
		return nil, err
	}

	release, err := p.acquire(storeName, locale)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := ReadTable(table)
	if err != nil {
		return nil, err
	}
	known, err := p.store.ExportedStrings(ctx, storeName)
	if err != nil {
		return nil, err
	}
	translations, err := validateRows(storeName, rows, known)
	if err != nil {
		return nil, err
	}

	container := shopkeep.WebContainerName(rec.SiteName)
	catalog, err := p.baseCatalog(ctx, container, locale)
	if err != nil {
		return nil, shopkeep.NewError(shopkeep.ErrExternal, "import strings", storeName, err)
	}
	updated := merge(catalog, translations, known)
	catalog.SetHeaderField("PO-Revision-Date", p.now().UTC().Format("2006-01-02 15:04-0700"))

	mo, err := po.CompileMO(catalog)
	if err != nil {
		return nil, shopkeep.NewError(shopkeep.ErrCompilation, "compile catalog", storeName, err)
	}
	if _, err := po.DecodeMO(mo); err != nil {
		return nil, shopkeep.NewError(shopkeep.ErrCompilation, "verify catalog", storeName, err)
	}

	if err := p.deploy(ctx, container, locale, catalog.Bytes(), mo); err != nil {
		return nil, shopkeep.NewError(shopkeep.ErrExternal, "deploy catalog", storeName, err)
	}

	metrics.RecordStringsUpdated(updated)
	res = &DeployResult{
		StoreName:      storeName,
		Locale:         locale,
		StringsUpdated: updated,
		StringsTotal:   len(translations),
		Catalog:        CatalogPath(locale) + ".mo",
		DeployedAt:     p.now().UTC(),
	}
	p.logger.Info("catalog deployed", "store", storeName, "locale", locale,
		"strings_updated", updated, "strings_total", len(translations))
	return res, nil
}

// acquire marks an import of (storeName, locale) as running.
func (p *Pipeline) acquire(storeName, locale string) (func(), error) {
	key := storeName + "/" + locale
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.importing[key] {
		return nil, shopkeep.NewError(shopkeep.ErrConflict, "import strings", storeName,
			fmt.Errorf("an import for %s is already running", locale))
	}
	p.importing[key] = true
	return func() {
		p.mu.Lock()
		delete(p.importing, key)
		p.mu.Unlock()
	}, nil
}

// validateRows returns string_id -> translation for every translated row, or
// a validation error listing each rejected row. Every row must name an
// exported string, translated or not.
func validateRows(storeName string, rows []Row, known map[string]shopkeep.CatalogString) (map[string]string, error) {
	out := make(map[string]string)
	var details []string
	for _, r := range rows {
		cs, ok := known[r.StringID]
		switch {
		case r.StringID == "":
			details = append(details, rowError(r, "missing string_id"))
		case !ok:
			details = append(details, rowError(r, "unknown string_id %s", r.StringID))
		case r.Translated == "":
		case r.Source != "" && r.Source != cs.Source:
			details = append(details, rowError(r, "source_text of %s does not match the export", r.StringID))
		default:
			if prev, dup := out[r.StringID]; dup && prev != r.Translated {
				details = append(details, rowError(r, "conflicting translations for %s", r.StringID))
				continue
			}
			out[r.StringID] = r.Translated
		}
	}
	if len(details) > 0 {
		return nil, shopkeep.NewError(shopkeep.ErrValidation, "import strings", storeName,
			fmt.Errorf("%d rows rejected", len(details)), details...)
	}
	return out, nil
}

// baseCatalog returns the deployed catalog of locale, or an empty one with a
// header when nothing is deployed yet.
func (p *Pipeline) baseCatalog(ctx context.Context, container, locale string) (*po.File, error) {
	f, err := p.readCatalog(ctx, container, CatalogPath(locale)+".po")
	if err != nil {
		return nil, err
	}
	if f == nil {
		f = &po.File{}
	}
	f.SetHeaderField("Language", locale)
	f.SetHeaderField("MIME-Version", "1.0")
	f.SetHeaderField("Content-Type", "text/plain; charset=UTF-8")
	f.SetHeaderField("Content-Transfer-Encoding", "8bit")
	if f.HeaderField("Plural-Forms") == "" {
		f.SetHeaderField("Plural-Forms", defaultPluralForms)
	}
	f.SetHeaderField("X-Generator", "shopkeep")
	return f, nil
}

var npluralsRe = regexp.MustCompile(`nplurals\s*=\s*(\d+)`)

func nplurals(f *po.File) int {
	m := npluralsRe.FindStringSubmatch(f.HeaderField("Plural-Forms"))
	if m == nil {
		return 2
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 2
	}
	return n
}

// merge writes translations into f and returns how many entries changed.
// Plural entries get the translation in every form.
func merge(f *po.File, translations map[string]string, known map[string]shopkeep.CatalogString) int {
	idx := f.Index()
	forms := nplurals(f)
	updated := 0
	for id, text := range translations {
		cs := known[id]
		e, ok := idx[po.Key(cs.Context, cs.Source)]
		if !ok {
			e = &po.Entry{Context: cs.Context, ID: cs.Source, IDPlural: cs.Plural}
			f.Entries = append(f.Entries, e)
			idx[e.Key()] = e
		}

		want := []string{text}
		if e.Plural() {
			want = make([]string, forms)
			for i := range want {
				want[i] = text
			}
		}
		if !e.Fuzzy() && slices.Equal(e.Str, want) {
			continue
		}
		e.Str = want
		e.Comments = dropFuzzy(e.Comments)
		updated++
	}
	return updated
}

func dropFuzzy(comments []string) []string {
	out := comments[:0]
	for _, c := range comments {
		if strings.HasPrefix(c, "#,") && strings.Contains(c, "fuzzy") {
			continue
		}
		out = append(out, c)
	}
	return out
}

// restore puts prev back at path through tmp, or removes path when nothing
// was deployed before.
func (p *Pipeline) restore(ctx context.Context, wp *wordpress.CLI, container, tmp, path string, prev []byte) {
	var err error
	if prev == nil {
		_, err = wp.Shell(ctx, 0, "rm", "-f", path)
	} else if err = p.exec.WriteFile(ctx, container, tmp, prev, 0o644); err == nil {
		_, err = wp.Shell(ctx, 0, "mv", "-f", tmp, path)
	}
	if err != nil {
		p.logger.Error("restoring prior catalog", "path", path, "error", err)
	}
}

// readCatalog reads and parses a catalog, returning nil when it does not exist.
func (p *Pipeline) readCatalog(ctx context.Context, container, path string) (*po.File, error) {
	data, err := p.exec.ReadFile(ctx, container, path)
	if errors.Is(err, shopkeep.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return po.ParseBytes(data)
}

// deploy writes the catalog next to its final paths and renames it into
// place, compiled file first. When the .po rename fails the prior .mo is put
// back, so the live pair never mixes revisions. A WordPress .l10n.php cache
// for the locale would shadow the new .mo and is removed.
func (p *Pipeline) deploy(ctx context.Context, container, locale string, poData, moData []byte) error {
	wp := wordpress.New(p.exec, container, wordpress.WithLogger(p.logger))
	base := CatalogPath(locale)
	suffix := ".shopkeep-" + uuid.New().String()[:8]

	if _, err := wp.Shell(ctx, 0, "mkdir", "-p", LanguageDir); err != nil {
		return err
	}

	prevMO, err := p.exec.ReadFile(ctx, container, base+".mo")
	switch {
	case errors.Is(err, shopkeep.ErrNotFound):
		prevMO = nil
	case err != nil:
		return err
	case prevMO == nil:
		prevMO = []byte{}
	}

	files := []struct {
		final string
		data  []byte
	}{
		{base + ".mo", moData},
		{base + ".po", poData},
	}
	var temps []string
	cleanup := func() {
		if len(temps) == 0 {
			return
		}
		args := append([]string{"rm", "-f"}, temps...)
		if _, err := wp.Shell(context.WithoutCancel(ctx), 0, args...); err != nil {
			p.logger.Warn("removing temporary catalog files", "error", err)
		}
	}
	for _, f := range files {
		tmp := f.final + suffix
		if err := p.exec.WriteFile(ctx, container, tmp, f.data, 0o644); err != nil {
			cleanup()
			return err
		}
		temps = append(temps, tmp)
	}
	for i, f := range files {
		if _, err := wp.Shell(ctx, 0, "mv", "-f", temps[i], f.final); err != nil {
			if i > 0 {
				p.restore(context.WithoutCancel(ctx), wp, container, temps[0], base+".mo", prevMO)
			}
			cleanup()
			return err
		}
	}
	if _, err := wp.Shell(ctx, 0, "rm", "-f", base+".l10n.php"); err != nil {
		p.logger.Warn("removing translation cache", "locale", locale, "error", err)
	}
	return nil
}
