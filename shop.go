package shopkeep

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/go-playground/validator/v10"
	"golang.org/x/text/language"
)

// TenantMode selects a standalone site or a multisite network.
type TenantMode string

const (
	TenantSingle TenantMode = "single"
	TenantMulti  TenantMode = "multi"
)

// Request defaults applied by ShopRequest.WithDefaults.
const (
	DefaultEmail      = "admin@example.com"
	DefaultTenantMode = TenantSingle
	DefaultTheme      = "woostify"
	DefaultLocale     = "en_US"
	DefaultWPImage    = "wordpress:6.7-php8.2-apache"
	DefaultMySQLImage = "mysql:5.7"
)

// State is a provisioning state of a shop.
type State string

const (
	StateRequested            State = "REQUESTED"
	StateNetworkReady         State = "NETWORK_READY"
	StateDBReady              State = "DB_READY"
	StateWPReady              State = "WP_READY"
	StateMultisiteConfigured  State = "MULTISITE_CONFIGURED"
	StateWooCommerceInstalled State = "WOOCOMMERCE_INSTALLED"
	StateDemoImported         State = "DEMO_IMPORTED"
	StateRewritesConfigured   State = "REWRITES_CONFIGURED"
	StateReady                State = "READY"
	StateFailed               State = "FAILED"
)

// States returns the ordered state sequence of a successful attempt for mode.
func States(mode TenantMode) []State {
	seq := []State{StateRequested, StateNetworkReady, StateDBReady, StateWPReady}
	if mode == TenantMulti {
		seq = append(seq, StateMultisiteConfigured)
	}
	return append(seq,
		StateWooCommerceInstalled,
		StateDemoImported,
		StateRewritesConfigured,
		StateReady,
	)
}

// CanAdvance reports whether to may directly follow from within one attempt.
// FAILED may follow any non-terminal state.
func CanAdvance(mode TenantMode, from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	seq := States(mode)
	for i := 0; i < len(seq)-1; i++ {
		if seq[i] == from {
			return seq[i+1] == to
		}
	}
	return false
}

// Terminal reports whether no further transition is possible in this attempt.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}

// ShopRequest is the input of a shop creation. It is immutable once accepted.
type ShopRequest struct {
	SiteName   string     `json:"site_name" yaml:"site_name" validate:"required,site_name"`
	Email      string     `json:"email" yaml:"email" validate:"required,email"`
	TenantMode TenantMode `json:"tenant_mode" yaml:"tenant_mode" validate:"required,oneof=single multi"`
	Theme      string     `json:"theme" yaml:"theme" validate:"required,slug"`
	Locale     string     `json:"locale" yaml:"locale" validate:"required,locale"`
	WPImage    string     `json:"wp_image" yaml:"wp_image" validate:"required,image_ref"`
	MySQLImage string     `json:"mysql_image" yaml:"mysql_image" validate:"required,image_ref"`
}

// WithDefaults returns a copy of r with empty optional fields filled in.
func (r ShopRequest) WithDefaults() ShopRequest {
	r.SiteName = strings.TrimSpace(r.SiteName)
	if r.Email == "" {
		r.Email = DefaultEmail
	}
	if r.TenantMode == "" {
		r.TenantMode = DefaultTenantMode
	}
	if r.Theme == "" {
		r.Theme = DefaultTheme
	}
	if r.Locale == "" {
		r.Locale = DefaultLocale
	}
	if r.WPImage == "" {
		r.WPImage = DefaultWPImage
	}
	if r.MySQLImage == "" {
		r.MySQLImage = DefaultMySQLImage
	}
	return r
}

// Validate checks r without side effects. The returned error is an *Error of
// kind ErrValidation whose Details name every offending field.
func (r ShopRequest) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewError(ErrValidation, "validate request", r.SiteName, err)
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fmt.Sprintf("%s: %s", fe.Field(), validationMessage(fe)))
	}
	return NewError(ErrValidation, "validate request", r.SiteName, ErrValidation, details...)
}

// ShopRecord is the persisted provisioning state of one shop.
type ShopRecord struct {
	SiteName     string     `json:"site_name"`
	State        State      `json:"state"`
	Attempt      int        `json:"attempt"`
	TenantMode   TenantMode `json:"tenant_mode"`
	Locale       string     `json:"locale"`
	Theme        string     `json:"theme"`
	Email        string     `json:"email"`
	NetworkID    string     `json:"network_id,omitempty"`
	DBContainer  string     `json:"db_container,omitempty"`
	WebContainer string     `json:"web_container,omitempty"`
	HostPort     int        `json:"host_port,omitempty"`
	URL          string     `json:"url,omitempty"`
	Subsites     []string   `json:"subsites,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastError    *string    `json:"last_error"`
}

// Containers returns the container identifiers recorded so far.
func (r *ShopRecord) Containers() []string {
	var out []string
	for _, id := range []string{r.DBContainer, r.WebContainer} {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Transition is one recorded state change.
type Transition struct {
	SiteName string    `json:"site_name"`
	Attempt  int       `json:"attempt"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	At       time.Time `json:"at"`
}

// Resource names are derived from the site name only, so a retry after
// cleanup reuses exactly the same names.

// NetworkName returns the docker network name of a shop.
func NetworkName(site string) string { return "shopkeep-" + site + "-net" }

// DBContainerName returns the database container name of a shop.
func DBContainerName(site string) string { return "shopkeep-" + site + "-db" }

// WebContainerName returns the web container name of a shop.
func WebContainerName(site string) string { return "shopkeep-" + site + "-wp" }

var (
	siteNameRe = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,38}[a-z0-9])?$`)
	slugRe     = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
)

// Slug lowercases s and collapses every run of characters outside [a-z0-9]
// into a single hyphen. It returns "site" when nothing is left.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "site"
	}
	return out
}

// ParseLocale validates a WordPress locale such as "fr_FR" or "de_DE_formal".
func ParseLocale(s string) (language.Tag, error) {
	if s == "" || strings.ContainsAny(s, " -") {
		return language.Und, fmt.Errorf("invalid locale %q", s)
	}
	base := strings.TrimSuffix(s, "_formal")
	base = strings.TrimSuffix(base, "_informal")
	return language.Parse(strings.ReplaceAll(base, "_", "-"))
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("site_name", func(fl validator.FieldLevel) bool {
		return siteNameRe.MatchString(fl.Field().String())
	})
	v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugRe.MatchString(fl.Field().String())
	})
	v.RegisterValidation("locale", func(fl validator.FieldLevel) bool {
		_, err := ParseLocale(fl.Field().String())
		return err == nil
	})
	v.RegisterValidation("image_ref", func(fl validator.FieldLevel) bool {
		_, err := reference.ParseNormalizedNamed(fl.Field().String())
		return err == nil
	})
	return v
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be an email address"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "site_name":
		return "must be 1-40 lowercase letters, digits or inner hyphens"
	case "slug":
		return "must be a lowercase slug"
	case "locale":
		return "must be a locale such as en_US"
	case "image_ref":
		return "must be a well-formed image reference"
	}
	return "is invalid (" + fe.Tag() + ")"
}
