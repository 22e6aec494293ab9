package tolino

import (
	"fmt"
	"net/http"
)

// LoginForm names the credential fields a partner's login page expects.
type LoginForm struct {
	UsernameField string
	PasswordField string
	Extra         map[string]string
}

// Partner is the static, immutable configuration for one tolino retail
// partner: OAuth client settings, login page details and cloud endpoints.
// Values are copied out of the table by LookupPartner, so callers may
// override fields (tests point them at fake servers) without touching it.
type Partner struct {
	ID       int
	Name     string
	ClientID string
	Scope    string

	TokenURL     string
	RevokeURL    string
	LoginFormURL string
	AuthURL      string
	LoginURL     string
	LogoutURL    string
	ReaderURL    string // OAuth redirect_uri
	TatURL       string // page embedding the access token, for embedded-token partners

	LoginForm   LoginForm
	LoginCookie string
	AuthParams  map[string]string // extra query parameters for the authorize and login-form GETs

	RegisterURL     string
	DevicesURL      string
	UnregisterURL   string
	UploadURL       string
	MetaURL         string
	CoverURL        string
	SyncDataURL     string
	DeleteURL       string
	InventoryURL    string
	DownloadInfoURL string // contains "{}/{}" where the encoded book id goes

	// DeleteMethod is the HTTP verb of the delete endpoint. The cloud
	// accepts a body-less GET with a deliverableId query parameter.
	DeleteMethod string

	// DeviceTokenIsAccessToken marks partners whose device secret is already
	// an access token, so the device flow makes no token request.
	DeviceTokenIsAccessToken bool
}

// partnerNames lists every known reseller id, including partners without
// cloud settings.
var partnerNames = map[int]string{
	1:  "Telekom",
	3:  "Thalia.de",
	4:  "Thalia.at",
	5:  "Thalia.ch",
	6:  "Buch.de",
	7:  "buch.ch",
	8:  "Books.ch / orellfuessli.ch",
	10: "Weltbild.de",
	11: "Weltbild.at",
	12: "Weltbild.ch",
	13: "Hugendubel.de",
	20: "derclub.de",
	21: "otto-media.de",
	22: "donauland.at",
	23: "osiander.de",
	30: "bücher.de",
	40: "Bild.de",
	60: "StandaardBoekhandel.be",
	80: "Libri.de",
	81: "eBook.de",
	90: "ibs.it",
}

const (
	boshBase        = "https://bosh.pageplace.de/bosh/rest"
	downloadInfoFmt = boshBase + "//cloud/downloadinfo/{}/{}/type/external-download"
)

var partners = map[int]Partner{
	3: {
		ID:           3,
		ClientID:     "webreader",
		Scope:        "SCOPE_BOSH",
		TokenURL:     "https://www.thalia.de/auth/oauth2/token",
		LoginFormURL: "https://www.thalia.de/de.thalia.ecp.authservice.application/oauth2/login",
		AuthURL:      "https://www.thalia.de/de.thalia.ecp.authservice.application/oauth2/authorize",
		LoginURL:     "https://www.thalia.de/de.thalia.ecp.authservice.application/login.do",
		LogoutURL:    "https://www.thalia.de/shop/home/login/logout/",
		ReaderURL:    "https://webreader.mytolino.com/library/index.html#/mybooks/titles",
		LoginForm: LoginForm{
			UsernameField: "j_username",
			PasswordField: "j_password",
			Extra:         map[string]string{"login": ""},
		},
		LoginCookie: "OAUTH-JSESSIONID",
		AuthParams: map[string]string{
			"x_buchde.skin_id":    "17",
			"x_buchde.mandant_id": "2",
		},
		RegisterURL:     boshBase + "/v2/registerhw",
		DevicesURL:      boshBase + "/handshake/devices/list",
		UnregisterURL:   boshBase + "/handshake/devices/delete",
		UploadURL:       boshBase + "/upload",
		MetaURL:         boshBase + "/meta",
		CoverURL:        boshBase + "/cover",
		SyncDataURL:     boshBase + "/sync-data?paths=publications,audiobooks",
		DeleteURL:       boshBase + "/deletecontent",
		InventoryURL:    boshBase + "/inventory/delta",
		DownloadInfoURL: downloadInfoFmt,
		DeleteMethod:    http.MethodGet,
	},
	13: {
		ID:        13,
		ClientID:  "4c20de744aa8b83b79b692524c7ec6ae",
		Scope:     "ebook_library",
		TokenURL:  "https://api.hugendubel.de/rest/oauth2/token",
		AuthURL:   "https://www.hugendubel.de/oauth/authorize",
		LoginURL:  "https://www.hugendubel.de/de/account/login",
		LogoutURL: "https://www.hugendubel.de/de/account/logout",
		ReaderURL: "https://webreader.hugendubel.de/library/index.html",
		LoginForm: LoginForm{
			UsernameField: "username",
			PasswordField: "password",
			Extra: map[string]string{
				"evaluate":           "true",
				"isOrdering":         "",
				"isOneClickOrdering": "",
			},
		},
		LoginCookie:     "JSESSIONID",
		RegisterURL:     boshBase + "/registerhw",
		DevicesURL:      boshBase + "/handshake/devices/list",
		UnregisterURL:   boshBase + "/handshake/devices/delete",
		UploadURL:       boshBase + "/upload",
		MetaURL:         boshBase + "/meta",
		CoverURL:        boshBase + "/cover",
		SyncDataURL:     boshBase + "/sync-data?paths=publications,audiobooks",
		DeleteURL:       boshBase + "/deletecontent",
		InventoryURL:    boshBase + "/inventory/delta",
		DownloadInfoURL: downloadInfoFmt,
		DeleteMethod:    http.MethodGet,
	},
}

// PartnerName returns the display name for a reseller id, or a generic
// label for unknown ids.
func PartnerName(id int) string {
	if name, ok := partnerNames[id]; ok {
		return name
	}

	return fmt.Sprintf("partner %d", id)
}

// LookupPartner returns a copy of the settings for the given reseller id.
// Partners without cloud settings fail with ErrUnsupported.
func LookupPartner(id int) (Partner, error) {
	p, ok := partners[id]
	if !ok {
		return Partner{}, fmt.Errorf("%w: no cloud settings for %s (id %d)", ErrUnsupported, PartnerName(id), id)
	}

	p.Name = PartnerName(id)
	p.LoginForm.Extra = cloneMap(p.LoginForm.Extra)
	p.AuthParams = cloneMap(p.AuthParams)

	return p, nil
}

// SupportedPartners returns the ids with cloud settings, ascending.
func SupportedPartners() []int {
	return []int{3, 13}
}

// Placeholder components of the web reader hardware fingerprint. The cloud
// only checks the overall shape.
const (
	hwEngineID    = "x"
	hwBrowserID   = "xx"
	hwVersionID   = "00"
	hwFingerprint = "ABCDEFGHIJKLMNOPQR"
)

// GenerateHardwareID derives the deterministic web reader hardware id for
// an operating system (runtime.GOOS values).
func GenerateHardwareID(goos string) string {
	osID := "x"

	switch goos {
	case "windows":
		osID = "1"
	case "darwin":
		osID = "2"
	case "linux":
		osID = "3"
	}

	fp := hwFingerprint

	return fmt.Sprintf("%s%s%s%s-%s%s-%s-%s-%sh",
		osID, hwEngineID, hwBrowserID, fp[0:1],
		hwVersionID, fp[1:4],
		fp[4:9],
		fp[9:14],
		fp[14:18],
	)
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}

	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}
