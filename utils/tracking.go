package utils

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// GenerateTrackingPixelURL generates a tracking pixel URL for email opens
func GenerateTrackingPixelURL(baseURL, campaignID, email string) string {
	q := url.Values{}
	q.Set("cid", campaignID)
	q.Set("email", email)
	return fmt.Sprintf("%s/api/track-open?%s", baseURL, q.Encode())
}

// GenerateClickTrackURL generates a tracked URL for links
func GenerateClickTrackURL(baseURL, campaignID, email, originalURL string) string {
	q := url.Values{}
	q.Set("cid", campaignID)
	q.Set("email", email)
	q.Set("url", originalURL)
	return fmt.Sprintf("%s/api/track-click?%s", baseURL, q.Encode())
}

// GenerateUnsubscribeURL is the link placed in every newsletter footer.
func GenerateUnsubscribeURL(baseURL, email string) string {
	return fmt.Sprintf("%s/api/unsubscribe?email=%s", baseURL, url.QueryEscape(email))
}

var hrefPattern = regexp.MustCompile(`href="(https?://[^"]+)"`)

// InjectTracking rewrites absolute links through the click beacon and appends
// the open pixel. Links already pointing at baseURL are left untouched.
func InjectTracking(htmlContent, baseURL, campaignID, email string) string {
	modifiedHTML := hrefPattern.ReplaceAllStringFunc(htmlContent, func(match string) string {
		original := hrefPattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(original, baseURL) {
			return match
		}
		// Bodies are HTML so entities in the original href must be undone first.
		original = strings.ReplaceAll(original, "&amp;", "&")
		tracked := GenerateClickTrackURL(baseURL, campaignID, email, original)
		return `href="` + strings.ReplaceAll(tracked, "&", "&amp;") + `"`
	})

	pixelURL := strings.ReplaceAll(GenerateTrackingPixelURL(baseURL, campaignID, email), "&", "&amp;")
	trackingPixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, pixelURL)
	return modifiedHTML + trackingPixel
}
