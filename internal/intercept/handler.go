package intercept

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	slogctx "github.com/veqryn/slog-context"

	"github.com/usagipass/gateway/internal/config"
	"github.com/usagipass/gateway/pkg/jst"
)

// Handler is the terminal sink for intercepted traffic. It never forwards.
type Handler struct {
	classifier *Classifier
	companion  *url.URL
	diagnostic []byte
}

var _ http.Handler = (*Handler)(nil)

func NewHandler(cfg *config.Gateway) (*Handler, error) {
	companion, err := url.Parse(cfg.CompanionBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing companion base url: %w", err)
	}
	if !companion.IsAbs() || companion.Host == "" {
		return nil, fmt.Errorf("companion base url %q is not absolute", cfg.CompanionBaseURL)
	}

	diagnostic, err := json.Marshal(struct {
		Source string `json:"source"`
		Proxy  string `json:"proxy"`
	}{Source: cfg.Name, Proxy: "ok"})
	if err != nil {
		return nil, fmt.Errorf("encoding diagnostic body: %w", err)
	}

	return &Handler{
		classifier: NewClassifier(cfg.GameDataHosts, cfg.OAuthRelayHosts),
		companion:  companion,
		diagnostic: diagnostic,
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := RequestFromHTTP(r)
	kind := h.classifier.Classify(req)

	slogctx.Debug(r.Context(), "Intercepted request",
		"host", req.Host,
		"path", req.Path,
		"classification", kind.String(),
	)

	switch kind {
	case KindMalformed:
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusBadRequest)
	case KindQRRedirect:
		w.Header().Set("Location", h.QRRedirectURL(req))
		w.WriteHeader(http.StatusFound)
	case KindOAuthRedirect:
		w.Header().Set("Location", h.OAuthRedirectURL(req))
		w.WriteHeader(http.StatusFound)
	case KindDiagnostic:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(h.diagnostic)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// QRRedirectURL points the companion app at the machine from a QR login
// page request, with the page timestamp rendered in JST.
func (h *Handler) QRRedirectURL(req Request) string {
	var ts int64
	if l := req.Query.Get("l"); l != "" {
		if v, err := strconv.ParseInt(l, 10, 64); err == nil {
			ts = v
		}
	}
	stamp := jst.FromUnix(ts)

	u := *h.companion
	u.RawQuery = setQuery(u.RawQuery,
		"maid", MachineID(req.Path),
		"time", stamp.Time,
		"date", stamp.Date,
	)

	return u.String()
}

// OAuthRedirectURL moves the WeChat OAuth callback onto the companion app.
func (h *Handler) OAuthRedirectURL(req Request) string {
	u := h.companion.JoinPath("wechat", "callback")
	u.Fragment, u.RawFragment = "", ""
	u.RawQuery = setQuery("",
		"r", req.Query.Get("r"),
		"t", req.Query.Get("t"),
		"code", req.Query.Get("code"),
		"state", req.Query.Get("state"),
	)

	return u.String()
}

// setQuery sets each key/value pair in raw. The first occurrence of a key is
// replaced in place and later ones dropped; new keys are appended in the
// given order, which url.Values.Encode would not keep.
func setQuery(raw string, kv ...string) string {
	var parts []string
	if raw != "" {
		parts = strings.Split(raw, "&")
	}

	for i := 0; i+1 < len(kv); i += 2 {
		pair := url.QueryEscape(kv[i]) + "=" + url.QueryEscape(kv[i+1])

		out := make([]string, 0, len(parts)+1)
		set := false
		for _, p := range parts {
			if queryKey(p) != kv[i] {
				out = append(out, p)
				continue
			}
			if !set {
				out = append(out, pair)
				set = true
			}
		}
		if !set {
			out = append(out, pair)
		}
		parts = out
	}

	return strings.Join(parts, "&")
}

func queryKey(pair string) string {
	key, _, _ := strings.Cut(pair, "=")
	if k, err := url.QueryUnescape(key); err == nil {
		return k
	}

	return key
}
