package whatsapp

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/guonaihong/gout"
)

// HTTPAvatarFetcher downloads an avatar and returns it as a data URI.
func HTTPAvatarFetcher(timeout time.Duration) AvatarFetcher {
	return func(ctx context.Context, url string) (string, error) {
		var body []byte
		var code int
		err := gout.GET(url).
			WithContext(ctx).
			SetTimeout(timeout).
			BindBody(&body).
			Code(&code).
			Do()
		if err != nil {
			return "", err
		}
		if code != http.StatusOK || len(body) == 0 {
			return "", fmt.Errorf("avatar: unexpected status %d", code)
		}
		return "data:" + http.DetectContentType(body) + ";base64," + base64.StdEncoding.EncodeToString(body), nil
	}
}
