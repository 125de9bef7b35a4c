package wordpress

// currencies maps a site locale to the WooCommerce store currency.
var currencies = map[string]string{
	"zh_TW": "TWD",
	"zh_CN": "CNY",
	"zh_HK": "HKD",
	"en_US": "USD",
	"en_GB": "GBP",
	"fr_FR": "EUR",
	"de_DE": "EUR",
	"es_ES": "EUR",
	"it_IT": "EUR",
	"nl_NL": "EUR",
	"ja":    "JPY",
	"ko_KR": "KRW",
	"pt_BR": "BRL",
}

// CurrencyFor returns the store currency for a locale.
func CurrencyFor(locale string) (string, bool) {
	c, ok := currencies[locale]
	return c, ok
}

// Page is a WooCommerce page and the option that points at it.
type Page struct {
	Slug    string
	Title   string
	Content string
	Option  string
}

// ShopPages are the pages WooCommerce needs, in creation order.
var ShopPages = []Page{
	{Slug: "shop", Title: "Shop", Option: "woocommerce_shop_page_id"},
	{Slug: "cart", Title: "Cart", Content: "[woocommerce_cart]", Option: "woocommerce_cart_page_id"},
	{Slug: "checkout", Title: "Checkout", Content: "[woocommerce_checkout]", Option: "woocommerce_checkout_page_id"},
	{Slug: "my-account", Title: "My Account", Content: "[woocommerce_my_account]", Option: "woocommerce_myaccount_page_id"},
}
