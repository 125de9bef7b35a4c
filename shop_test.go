package shopkeep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStates(t *testing.T) {
	single := States(TenantSingle)
	assert.Equal(t, StateRequested, single[0])
	assert.Equal(t, StateReady, single[len(single)-1])
	assert.NotContains(t, single, StateMultisiteConfigured)

	multi := States(TenantMulti)
	assert.Len(t, multi, len(single)+1)
	assert.Equal(t, StateMultisiteConfigured, multi[4])
}

func TestCanAdvance(t *testing.T) {
	tests := []struct {
		name string
		mode TenantMode
		from State
		to   State
		want bool
	}{
		{"next", TenantSingle, StateRequested, StateNetworkReady, true},
		{"skip", TenantSingle, StateRequested, StateDBReady, false},
		{"backwards", TenantSingle, StateDBReady, StateNetworkReady, false},
		{"single skips multisite", TenantSingle, StateWPReady, StateWooCommerceInstalled, true},
		{"single never multisite", TenantSingle, StateWPReady, StateMultisiteConfigured, false},
		{"multi requires multisite", TenantMulti, StateWPReady, StateWooCommerceInstalled, false},
		{"multi multisite", TenantMulti, StateWPReady, StateMultisiteConfigured, true},
		{"fail from any", TenantSingle, StateDemoImported, StateFailed, true},
		{"ready terminal", TenantSingle, StateReady, StateFailed, false},
		{"failed terminal", TenantSingle, StateFailed, StateRequested, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanAdvance(tt.mode, tt.from, tt.to))
		})
	}
}

func TestShopRequestDefaults(t *testing.T) {
	req := ShopRequest{SiteName: "  demo1 "}.WithDefaults()
	assert.Equal(t, "demo1", req.SiteName)
	assert.Equal(t, TenantSingle, req.TenantMode)
	assert.Equal(t, DefaultLocale, req.Locale)
	assert.Equal(t, DefaultWPImage, req.WPImage)
	require.NoError(t, req.Validate())
}

func TestShopRequestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ShopRequest)
		field  string
	}{
		{"missing site", func(r *ShopRequest) { r.SiteName = "" }, "site_name"},
		{"uppercase site", func(r *ShopRequest) { r.SiteName = "Demo" }, "site_name"},
		{"trailing hyphen", func(r *ShopRequest) { r.SiteName = "demo-" }, "site_name"},
		{"bad email", func(r *ShopRequest) { r.Email = "nope" }, "email"},
		{"bad mode", func(r *ShopRequest) { r.TenantMode = "cluster" }, "tenant_mode"},
		{"bad theme", func(r *ShopRequest) { r.Theme = "Two Words" }, "theme"},
		{"bad locale", func(r *ShopRequest) { r.Locale = "fr FR" }, "locale"},
		{"bad image", func(r *ShopRequest) { r.MySQLImage = "MySQL::" }, "mysql_image"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := ShopRequest{SiteName: "demo1"}.WithDefaults()
			tt.mutate(&req)

			err := req.Validate()
			require.ErrorIs(t, err, ErrValidation)
			details := DetailsOf(err)
			require.Len(t, details, 1)
			assert.Contains(t, details[0], tt.field+":")
		})
	}
}

func TestParseLocale(t *testing.T) {
	for _, ok := range []string{"en_US", "fr_FR", "zh_TW", "de_DE_formal", "pt_BR"} {
		_, err := ParseLocale(ok)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{"", "en-US", "fr FR", "zz_!!"} {
		_, err := ParseLocale(bad)
		assert.Error(t, err, bad)
	}
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "my-shop-2", Slug("  My Shop #2 "))
	assert.Equal(t, "site", Slug("---"))
}

func TestResourceNames(t *testing.T) {
	assert.Equal(t, "shopkeep-demo1-net", NetworkName("demo1"))
	assert.Equal(t, "shopkeep-demo1-db", DBContainerName("demo1"))
	assert.Equal(t, "shopkeep-demo1-wp", WebContainerName("demo1"))
}
