package wordpress

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/everydev1618/shopkeep"
)

const (
	HtaccessPath       = DocRoot + "/.htaccess"
	PermalinkStructure = "/%postname%/"
)

const singleRules = `# BEGIN WordPress
<IfModule mod_rewrite.c>
RewriteEngine On
RewriteBase /
RewriteRule ^index\.php$ - [L]
RewriteCond %{REQUEST_FILENAME} !-f
RewriteCond %{REQUEST_FILENAME} !-d
RewriteRule . /index.php [L]
</IfModule>
# END WordPress
`

const multiHead = `# BEGIN WordPress Multisite
<IfModule mod_rewrite.c>
RewriteEngine On
RewriteBase /
RewriteRule ^index\.php$ - [L]
`

const multiTail = `RewriteRule ^([_0-9a-zA-Z-]+/)?wp-admin$ $1wp-admin/ [R=301,L]
RewriteCond %{REQUEST_FILENAME} -f [OR]
RewriteCond %{REQUEST_FILENAME} -d
RewriteRule ^ - [L]
RewriteRule ^([_0-9a-zA-Z-]+/)?(wp-(content|admin|includes).*) $2 [L]
RewriteRule ^([_0-9a-zA-Z-]+/)?(.*\.php)$ $2 [L]
RewriteRule . index.php [L]
</IfModule>
# END WordPress Multisite
`

var subsiteRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// RewriteRules renders the .htaccess routing for a shop. In multi mode every
// subsite gets explicit path-prefix rules ahead of the generic ones. The output
// depends only on the sorted set of subsites, so rendering is repeatable.
func RewriteRules(mode shopkeep.TenantMode, subsites []string) (string, error) {
	if mode != shopkeep.TenantMulti {
		return singleRules, nil
	}

	slugs := slices.Clone(subsites)
	slices.Sort(slugs)
	slugs = slices.Compact(slugs)

	var b strings.Builder
	b.WriteString(multiHead)
	for _, slug := range slugs {
		if !subsiteRe.MatchString(slug) {
			return "", shopkeep.NewError(shopkeep.ErrValidation, "render rewrites", "", fmt.Errorf("invalid subsite slug %q", slug))
		}
		fmt.Fprintf(&b, "# subsite %s\n", slug)
		fmt.Fprintf(&b, "RewriteRule ^%s/wp-admin$ %s/wp-admin/ [R=301,L]\n", slug, slug)
		fmt.Fprintf(&b, "RewriteRule ^%s/(wp-(content|admin|includes).*) $1 [L]\n", slug)
		fmt.Fprintf(&b, "RewriteRule ^%s/(.*\\.php)$ $1 [L]\n", slug)
	}
	b.WriteString(multiTail)
	return b.String(), nil
}

// ApplyRewrites installs rules as the site's .htaccess. The file is written to
// a temporary name and renamed into place, and left alone when it already
// matches. It reports whether anything changed.
func (c *CLI) ApplyRewrites(ctx context.Context, rules string) (bool, error) {
	current, err := c.exec.ReadFile(ctx, c.container, HtaccessPath)
	switch {
	case err == nil:
		if string(current) == rules {
			return false, nil
		}
	case errors.Is(err, shopkeep.ErrNotFound):
	default:
		return false, err
	}

	tmp := fmt.Sprintf("%s/.htaccess.shopkeep-%s", DocRoot, uuid.New().String()[:8])
	if err := c.exec.WriteFile(ctx, c.container, tmp, []byte(rules), 0o644); err != nil {
		return false, err
	}
	if _, err := c.Shell(ctx, 0, "mv", "-f", tmp, HtaccessPath); err != nil {
		_, _ = c.Shell(ctx, 0, "rm", "-f", tmp)
		return false, err
	}
	return true, nil
}
