// Package wordpress runs typed wp-cli operations inside a shop's web container.
package wordpress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/everydev1618/shopkeep"
	"github.com/everydev1618/shopkeep/container"
)

const (
	DocRoot      = "/var/www/html"
	WPCLIURL     = "https://raw.githubusercontent.com/wp-cli/builds/gh-pages/phar/wp-cli.phar"
	AdminUser    = "admin"
	ImporterSlug = "wordpress-importer"
)

// Executor is the slice of the container adapter wp-cli needs.
type Executor interface {
	Exec(ctx context.Context, name string, spec container.ExecSpec) (container.ExecResult, error)
	WriteFile(ctx context.Context, name, dst string, data []byte, mode int64) error
	ReadFile(ctx context.Context, name, src string) ([]byte, error)
}

// CLI issues wp-cli commands against one web container.
type CLI struct {
	exec      Executor
	container string
	url       string
	timeout   time.Duration
	logger    *slog.Logger
}

// Option configures a CLI.
type Option func(*CLI)

// WithTimeout bounds each command.
func WithTimeout(d time.Duration) Option {
	return func(c *CLI) { c.timeout = d }
}

// WithLogger sets the logger commands are reported to.
func WithLogger(l *slog.Logger) Option {
	return func(c *CLI) { c.logger = l }
}

// New returns a CLI bound to a container.
func New(exec Executor, containerName string, opts ...Option) *CLI {
	c := &CLI{
		exec:      exec,
		container: containerName,
		timeout:   5 * time.Minute,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Container returns the container the CLI is bound to.
func (c *CLI) Container() string { return c.container }

// ForURL returns a copy that targets the (sub)site at url.
func (c *CLI) ForURL(url string) *CLI {
	cp := *c
	cp.url = url
	return &cp
}

// opName names a command for errors and logs from its first two words only;
// later arguments may carry credentials.
func opName(args []string) string {
	if len(args) > 2 {
		args = args[:2]
	}
	return "wp " + strings.Join(args, " ")
}

// run executes a raw command and returns the typed result.
func (c *CLI) run(ctx context.Context, timeout time.Duration, cmd ...string) (container.ExecResult, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	return c.exec.Exec(ctx, c.container, container.ExecSpec{
		Cmd:     cmd,
		WorkDir: DocRoot,
		User:    "root",
		Timeout: timeout,
	})
}

// Run executes wp with args and fails on timeout or non-zero exit.
func (c *CLI) Run(ctx context.Context, args ...string) (string, error) {
	res, err := c.try(ctx, args...)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", shopkeep.NewError(shopkeep.ErrExternal, opName(args), "", res.Err())
	}
	return strings.TrimSpace(res.Stdout), nil
}

// try executes wp with args and returns the result whatever the exit code.
func (c *CLI) try(ctx context.Context, args ...string) (container.ExecResult, error) {
	cmd := append([]string{"wp"}, args...)
	if c.url != "" {
		cmd = append(cmd, "--url="+c.url)
	}
	cmd = append(cmd, "--allow-root")

	res, err := c.run(ctx, 0, cmd...)
	if err != nil {
		return res, err
	}
	c.logger.Debug("wp-cli", "container", c.container, "op", opName(args),
		"exit_code", res.ExitCode, "timed_out", res.TimedOut, "duration", res.Duration)
	return res, nil
}

// Shell runs a command outside wp-cli with the same bounds.
func (c *CLI) Shell(ctx context.Context, timeout time.Duration, cmd ...string) (string, error) {
	res, err := c.run(ctx, timeout, cmd...)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", shopkeep.NewError(shopkeep.ErrExternal, cmd[0], "", res.Err())
	}
	return strings.TrimSpace(res.Stdout), nil
}

// EnsureCLI installs wp-cli and the tools the importer needs when missing.
func (c *CLI) EnsureCLI(ctx context.Context, timeout time.Duration) error {
	res, err := c.run(ctx, 0, "wp", "--info", "--allow-root")
	if err != nil {
		return err
	}
	if res.OK() {
		return nil
	}
	script := "apt-get update -qq && " +
		"apt-get install -y -qq less mariadb-client curl ca-certificates unzip >/dev/null && " +
		"curl -fsSL -o /usr/local/bin/wp " + WPCLIURL + " && chmod +x /usr/local/bin/wp"
	_, err = c.Shell(ctx, timeout, "bash", "-c", script)
	return err
}

// ConfigReady reports whether the image entrypoint has written wp-config.php.
func (c *CLI) ConfigReady(ctx context.Context) (bool, error) {
	res, err := c.run(ctx, 10*time.Second, "test", "-f", DocRoot+"/wp-config.php")
	if err != nil {
		return false, err
	}
	return res.OK(), nil
}

// IsInstalled reports whether WordPress core is installed. With network set
// it reports whether the install is a multisite network.
func (c *CLI) IsInstalled(ctx context.Context, network bool) (bool, error) {
	args := []string{"core", "is-installed"}
	if network {
		args = append(args, "--network")
	}
	res, err := c.try(ctx, args...)
	if err != nil {
		return false, err
	}
	if res.TimedOut {
		return false, shopkeep.NewError(shopkeep.ErrExternal, opName(args), "", res.Err())
	}
	return res.ExitCode == 0, nil
}

// InstallOptions are the arguments of a core install.
type InstallOptions struct {
	URL           string
	Title         string
	AdminEmail    string
	AdminPassword string
}

// CoreInstall installs WordPress unless it already is.
func (c *CLI) CoreInstall(ctx context.Context, opts InstallOptions) error {
	installed, err := c.IsInstalled(ctx, false)
	if err != nil || installed {
		return err
	}
	_, err = c.Run(ctx, "core", "install",
		"--url="+opts.URL,
		"--title="+opts.Title,
		"--admin_user="+AdminUser,
		"--admin_password="+opts.AdminPassword,
		"--admin_email="+opts.AdminEmail,
		"--skip-email",
	)
	return err
}

// MultisiteConvert turns the install into a subdirectory multisite network
// unless it already is one.
func (c *CLI) MultisiteConvert(ctx context.Context, title string) error {
	network, err := c.IsInstalled(ctx, true)
	if err != nil || network {
		return err
	}
	_, err = c.Run(ctx, "core", "multisite-convert", "--title="+title)
	return err
}

// SiteCreate adds a subsite to the network unless one with slug exists.
func (c *CLI) SiteCreate(ctx context.Context, slug, title, email string) error {
	out, err := c.Run(ctx, "site", "list", "--field=path")
	if err != nil {
		return err
	}
	for _, p := range strings.Fields(out) {
		if strings.Trim(p, "/") == slug {
			return nil
		}
	}
	_, err = c.Run(ctx, "site", "create", "--slug="+slug, "--title="+title, "--email="+email)
	return err
}

// ThemeInstall installs and activates a theme.
func (c *CLI) ThemeInstall(ctx context.Context, theme string) error {
	_, err := c.Run(ctx, "theme", "install", theme, "--activate")
	return err
}

// PluginInstall installs and activates a plugin from a slug, URL or zip.
func (c *CLI) PluginInstall(ctx context.Context, source string) error {
	_, err := c.Run(ctx, "plugin", "install", source, "--force", "--activate")
	return err
}

// EnsurePage returns the ID of the published page with slug, creating it when absent.
func (c *CLI) EnsurePage(ctx context.Context, slug, title, content string) (string, error) {
	id, err := c.Run(ctx, "post", "list", "--post_type=page", "--name="+slug, "--field=ID")
	if err != nil {
		return "", err
	}
	if id = firstLine(id); id != "" {
		return id, nil
	}
	id, err = c.Run(ctx, "post", "create",
		"--post_type=page",
		"--post_title="+title,
		"--post_name="+slug,
		"--post_status=publish",
		"--post_content="+content,
		"--porcelain",
	)
	if err != nil {
		return "", err
	}
	if id = firstLine(id); id == "" {
		return "", shopkeep.NewError(shopkeep.ErrExternal, "wp post create", "", errors.New("no page id returned"))
	}
	return id, nil
}

// OptionUpdate sets a key in the site configuration store.
func (c *CLI) OptionUpdate(ctx context.Context, key, value string) error {
	_, err := c.Run(ctx, "option", "update", key, value)
	return err
}

// OptionGet reads a key from the site configuration store.
func (c *CLI) OptionGet(ctx context.Context, key string) (string, error) {
	return c.Run(ctx, "option", "get", key)
}

// LanguageCoreInstall installs the core language pack for locale and makes it
// the site language.
func (c *CLI) LanguageCoreInstall(ctx context.Context, locale string) error {
	if locale == shopkeep.DefaultLocale {
		return nil
	}
	if _, err := c.Run(ctx, "language", "core", "install", locale); err != nil {
		return err
	}
	return c.OptionUpdate(ctx, "WPLANG", locale)
}

// LanguagePluginInstall installs a plugin language pack.
func (c *CLI) LanguagePluginInstall(ctx context.Context, plugin, locale string) error {
	if locale == shopkeep.DefaultLocale {
		return nil
	}
	_, err := c.Run(ctx, "language", "plugin", "install", plugin, locale)
	return err
}

// Download fetches url to dst inside the container.
func (c *CLI) Download(ctx context.Context, url, dst string) error {
	_, err := c.Shell(ctx, 0, "curl", "-fsSL", "-o", dst, url)
	return err
}

// Import imports a WXR file, creating missing authors.
func (c *CLI) Import(ctx context.Context, file string) error {
	out, err := c.Run(ctx, "import", file, "--authors=create", "--user="+AdminUser)
	if err != nil {
		return err
	}
	if strings.Contains(strings.ToLower(out), "error:") {
		return shopkeep.NewError(shopkeep.ErrExternal, "wp import", "", fmt.Errorf("import reported errors: %s", lastLine(out)))
	}
	return nil
}

// RewriteStructure sets the permalink structure.
func (c *CLI) RewriteStructure(ctx context.Context, structure string) error {
	_, err := c.Run(ctx, "rewrite", "structure", structure)
	return err
}

// RewriteFlush regenerates the rewrite rules stored in the database. It never
// touches .htaccess, which ApplyRewrites owns.
func (c *CLI) RewriteFlush(ctx context.Context) error {
	_, err := c.Run(ctx, "rewrite", "flush")
	return err
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(line)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
