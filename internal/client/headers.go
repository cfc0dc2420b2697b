package client

import (
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/blocktools/massblock/internal/credentials"
)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:139.0) Gecko/20100101 Firefox/139.0"

// graphqlFeatures is the feature-flag set the web client sends with
// every user query. The remote rejects requests missing it.
var graphqlFeatures = map[string]bool{
	"hidden_profile_likes_enabled":                                      true,
	"responsive_web_graphql_exclude_directive_enabled":                  true,
	"verified_phone_label_enabled":                                      false,
	"subscriptions_verification_info_is_identity_verified_enabled":      true,
	"subscriptions_verification_info_verified_since_enabled":            true,
	"highlights_tweets_tab_ui_enabled":                                  true,
	"creator_subscriptions_tweet_preview_api_enabled":                   true,
	"responsive_web_graphql_skip_user_profile_image_extensions_enabled": false,
	"responsive_web_graphql_timeline_navigation_enabled":                true,
}

// setHeaders applies the full browser-compatible header set plus the
// enhanced headers when enabled.
func (c *Client) setHeaders(req *http.Request, m credentials.Mapping, contentType string) {
	h := req.Header
	h.Set("authorization", "Bearer "+bearerToken)
	h.Set("x-csrf-token", m.CSRFToken())
	h.Set("x-twitter-auth-type", "OAuth2Session")
	h.Set("x-twitter-active-user", "yes")
	h.Set("x-twitter-client-language", "en")
	h.Set("content-type", contentType)
	h.Set("user-agent", browserUserAgent)
	h.Set("accept", "*/*")
	h.Set("accept-language", "en-US,en;q=0.7")
	h.Set("origin", DefaultBaseURL)
	h.Set("referer", DefaultBaseURL+"/home")
	h.Set("sec-fetch-dest", "empty")
	h.Set("sec-fetch-mode", "cors")
	h.Set("sec-fetch-site", "same-origin")
	h.Set("dnt", "1")
	h.Set("cookie", m.CookieHeader())

	if c.enhancer != nil {
		c.enhancer.apply(h)
	}
}

// headerEnhancer generates the synthetic per-request headers the web
// client also sends. The session uuid and forwarded-for address stay
// stable for the client's lifetime; the transaction counter is
// per-request monotonic.
type headerEnhancer struct {
	sessionUUID  string
	sessionSeed  string
	forwardedFor string
	counter      atomic.Uint64
}

// ispRanges are /16 prefixes of large consumer ISPs. One host inside
// a randomly chosen prefix is synthesized per session.
var ispRanges = []string{
	"126.0", "126.33", "60.68", "118.8", "219.100",
	"153.139", "180.46", "111.239", "124.24",
}

func newHeaderEnhancer(forwardedFor bool) *headerEnhancer {
	e := &headerEnhancer{
		sessionUUID: uuid.NewString(),
		sessionSeed: strconv.FormatUint(rand.Uint64()&0xffffff, 16),
	}
	if forwardedFor {
		prefix := ispRanges[rand.Intn(len(ispRanges))]
		e.forwardedFor = fmt.Sprintf("%s.%d.%d", prefix, 1+rand.Intn(254), 1+rand.Intn(254))
	}
	return e
}

func (e *headerEnhancer) apply(h http.Header) {
	n := e.counter.Add(1)
	h.Set("x-client-transaction-id", fmt.Sprintf("%s-%06d", e.sessionSeed, n))
	h.Set("x-client-uuid", e.sessionUUID)
	h.Set("x-request-id", fmt.Sprintf("%d-%s-%d", time.Now().UnixMilli(), e.sessionSeed, n))
	if e.forwardedFor != "" {
		h.Set("x-xp-forwarded-for", e.forwardedFor)
	}
}
