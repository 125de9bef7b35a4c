package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/everydev1618/shopkeep"
	"github.com/everydev1618/shopkeep/container"
	"github.com/everydev1618/shopkeep/store"
	"github.com/everydev1618/shopkeep/wordpress"
)

// DemoDataPath is where the demo catalog is downloaded inside the web container.
const DemoDataPath = "/tmp/shopkeep-demo.xml"

// step performs the work that leads into state to.
type step struct {
	name string
	to   shopkeep.State
	run  func(ctx context.Context, a *attempt) (store.Patch, error)
}

// steps returns the provisioning steps for mode, in order.
func (o *Orchestrator) steps(mode shopkeep.TenantMode) []step {
	seq := []step{
		{"create network", shopkeep.StateNetworkReady, o.createNetwork},
		{"start database", shopkeep.StateDBReady, o.startDatabase},
		{"install wordpress", shopkeep.StateWPReady, o.installWordPress},
	}
	if mode == shopkeep.TenantMulti {
		seq = append(seq, step{"configure multisite", shopkeep.StateMultisiteConfigured, o.configureMultisite})
	}
	return append(seq,
		step{"install woocommerce", shopkeep.StateWooCommerceInstalled, o.installWooCommerce},
		step{"import demo data", shopkeep.StateDemoImported, o.importDemo},
		step{"configure rewrites", shopkeep.StateRewritesConfigured, o.rewrites},
		step{"finish", shopkeep.StateReady, func(context.Context, *attempt) (store.Patch, error) {
			return store.Patch{}, nil
		}},
	)
}

func labels(site, role string) map[string]string {
	return map[string]string{
		container.LabelSite: site,
		container.LabelRole: role,
	}
}

func (o *Orchestrator) createNetwork(ctx context.Context, a *attempt) (store.Patch, error) {
	name := shopkeep.NetworkName(a.req.SiteName)
	id, err := o.runtime.CreateNetwork(ctx, name, labels(a.req.SiteName, "network"))
	if err != nil {
		return store.Patch{}, err
	}
	a.created = append(a.created, resource{network: true, name: name})
	return store.Patch{NetworkID: id}, nil
}

func (o *Orchestrator) startDatabase(ctx context.Context, a *attempt) (store.Patch, error) {
	site := a.req.SiteName
	name := shopkeep.DBContainerName(site)
	id, err := o.runtime.RunContainer(ctx, container.ContainerSpec{
		Name:    name,
		Image:   a.req.MySQLImage,
		Network: shopkeep.NetworkName(site),
		Aliases: []string{"db"},
		Labels:  labels(site, "db"),
		Env: []string{
			"MYSQL_ROOT_PASSWORD=" + a.rootPassword,
			"MYSQL_DATABASE=" + dbName,
			"MYSQL_USER=" + dbUser,
			"MYSQL_PASSWORD=" + a.dbPassword,
		},
	})
	if id != "" {
		a.created = append(a.created, resource{name: name})
	}
	if err != nil {
		return store.Patch{}, err
	}

	// The image's init server runs without networking, so a TCP query only
	// succeeds once the real server is up with the user created.
	probe := container.ExecSpec{
		Cmd:     []string{"mysql", "-h127.0.0.1", "-u" + dbUser, "-e", "SELECT 1", dbName},
		Env:     []string{"MYSQL_PWD=" + a.dbPassword},
		Timeout: 30 * time.Second,
	}
	err = o.waitFor(ctx, name, "database", func(ctx context.Context) (bool, error) {
		res, err := o.runtime.Exec(ctx, name, probe)
		if err != nil {
			return false, err
		}
		return res.OK(), nil
	})
	if err != nil {
		return store.Patch{}, err
	}
	return store.Patch{DBContainer: id}, nil
}

func (o *Orchestrator) installWordPress(ctx context.Context, a *attempt) (store.Patch, error) {
	site := a.req.SiteName
	name := shopkeep.WebContainerName(site)
	id, err := o.runtime.RunContainer(ctx, container.ContainerSpec{
		Name:    name,
		Image:   a.req.WPImage,
		Network: shopkeep.NetworkName(site),
		Labels:  labels(site, "web"),
		Env: []string{
			"WORDPRESS_DB_HOST=" + shopkeep.DBContainerName(site) + ":3306",
			"WORDPRESS_DB_NAME=" + dbName,
			"WORDPRESS_DB_USER=" + dbUser,
			"WORDPRESS_DB_PASSWORD=" + a.dbPassword,
		},
		PublishPort: "80/tcp",
	})
	if id != "" {
		a.created = append(a.created, resource{name: name})
	}
	if err != nil {
		return store.Patch{}, err
	}

	st, err := o.runtime.Inspect(ctx, name)
	if err != nil {
		return store.Patch{}, err
	}
	if st.HostPort == 0 {
		return store.Patch{}, shopkeep.NewError(shopkeep.ErrExternal, "inspect container", site,
			errors.New("no host port published for web container"))
	}
	a.url = fmt.Sprintf("http://%s:%d", o.publicHost, st.HostPort)

	if err := o.waitFor(ctx, name, "web", a.wp.ConfigReady); err != nil {
		return store.Patch{}, err
	}
	if err := a.wp.EnsureCLI(ctx, 0); err != nil {
		return store.Patch{}, err
	}
	err = a.wp.CoreInstall(ctx, wordpress.InstallOptions{
		URL:           a.url,
		Title:         a.req.SiteName,
		AdminEmail:    a.req.Email,
		AdminPassword: a.adminPassword,
	})
	if err != nil {
		return store.Patch{}, err
	}
	return store.Patch{WebContainer: id, HostPort: st.HostPort, URL: a.url}, nil
}

func (o *Orchestrator) configureMultisite(ctx context.Context, a *attempt) (store.Patch, error) {
	wp := a.wp.ForURL(a.url)
	if err := wp.MultisiteConvert(ctx, a.req.SiteName); err != nil {
		return store.Patch{}, err
	}
	if err := wp.SiteCreate(ctx, a.req.SiteName, a.req.SiteName, a.req.Email); err != nil {
		return store.Patch{}, err
	}
	a.subsites = []string{a.req.SiteName}
	return store.Patch{Subsites: a.subsites}, nil
}

func (o *Orchestrator) installWooCommerce(ctx context.Context, a *attempt) (store.Patch, error) {
	wp := a.site()
	if err := wp.ThemeInstall(ctx, a.req.Theme); err != nil {
		return store.Patch{}, err
	}
	for _, src := range []string{o.wooCommerceSource, wordpress.ImporterSlug} {
		if err := wp.PluginInstall(ctx, src); err != nil {
			return store.Patch{}, err
		}
	}

	var shopPage string
	for _, p := range wordpress.ShopPages {
		id, err := wp.EnsurePage(ctx, p.Slug, p.Title, p.Content)
		if err != nil {
			return store.Patch{}, err
		}
		if err := wp.OptionUpdate(ctx, p.Option, id); err != nil {
			return store.Patch{}, err
		}
		if p.Slug == "shop" {
			shopPage = id
		}
	}
	if shopPage != "" {
		if err := wp.OptionUpdate(ctx, "show_on_front", "page"); err != nil {
			return store.Patch{}, err
		}
		if err := wp.OptionUpdate(ctx, "page_on_front", shopPage); err != nil {
			return store.Patch{}, err
		}
	}

	if err := wp.LanguageCoreInstall(ctx, a.req.Locale); err != nil {
		return store.Patch{}, err
	}
	if err := wp.LanguagePluginInstall(ctx, "woocommerce", a.req.Locale); err != nil {
		return store.Patch{}, err
	}
	if currency, ok := wordpress.CurrencyFor(a.req.Locale); ok {
		if err := wp.OptionUpdate(ctx, "woocommerce_currency", currency); err != nil {
			return store.Patch{}, err
		}
	}
	return store.Patch{}, nil
}

func (o *Orchestrator) importDemo(ctx context.Context, a *attempt) (store.Patch, error) {
	wp := a.site()
	if err := wp.Download(ctx, o.demoDataURL, DemoDataPath); err != nil {
		return store.Patch{}, err
	}
	if err := wp.Import(ctx, DemoDataPath); err != nil {
		return store.Patch{}, err
	}
	if _, err := wp.Shell(ctx, 0, "rm", "-f", DemoDataPath); err != nil {
		a.log.Warn("removing demo data file", "error", err)
	}
	return store.Patch{}, nil
}

func (o *Orchestrator) rewrites(ctx context.Context, a *attempt) (store.Patch, error) {
	_, err := o.configureRewrites(ctx, a.wp.ForURL(a.url), a.req.TenantMode, a.subsites)
	return store.Patch{}, err
}

// configureRewrites sets pretty permalinks and installs the rendered
// .htaccess. Running it again with the same subsites changes nothing.
func (o *Orchestrator) configureRewrites(ctx context.Context, wp *wordpress.CLI, mode shopkeep.TenantMode, subsites []string) (bool, error) {
	rules, err := wordpress.RewriteRules(mode, subsites)
	if err != nil {
		return false, err
	}
	if err := wp.RewriteStructure(ctx, wordpress.PermalinkStructure); err != nil {
		return false, err
	}
	if err := wp.RewriteFlush(ctx); err != nil {
		return false, err
	}
	return wp.ApplyRewrites(ctx, rules)
}

// waitFor polls ready until it reports true, the container stops running, or
// the health timeout passes.
func (o *Orchestrator) waitFor(ctx context.Context, name, what string, ready func(context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, o.healthTimeout)
	defer cancel()

	notReady := fmt.Errorf("%s not ready after %s", what, o.healthTimeout)
	probe := func() error {
		st, err := o.runtime.Inspect(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return notReady
			}
			return backoff.Permanent(err)
		}
		if !st.Running {
			return backoff.Permanent(shopkeep.NewError(shopkeep.ErrExternal, "wait for "+what, "",
				fmt.Errorf("container %s exited with code %d", name, st.ExitCode)))
		}
		ok, err := ready(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			return backoff.Permanent(err)
		case !ok || err != nil:
			return notReady
		}
		return nil
	}

	err := backoff.Retry(probe, backoff.WithContext(backoff.NewConstantBackOff(o.pollInterval), ctx))
	if errors.Is(err, notReady) {
		return shopkeep.NewError(shopkeep.ErrExternal, "wait for "+what, "", notReady)
	}
	return err
}
