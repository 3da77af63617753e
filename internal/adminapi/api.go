package adminapi

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wahub/internal/app"
	"github.com/talkincode/wahub/internal/webserver"
	"github.com/talkincode/wahub/internal/whatsapp"
)

// Init registers every admin route on the global web server.
func Init() {
	registerSystemRoutes()
	registerWhatsAppRoutes()
}

// Response is the envelope of every admin api reply.
type Response struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Detail  interface{} `json:"detail,omitempty"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func fail(c echo.Context, status int, code, message string, detail interface{}) error {
	return c.JSON(status, Response{Code: code, Message: message, Detail: detail})
}

// GetApp returns the application attached by the web server middleware.
func GetApp(c echo.Context) app.AppContext {
	a, _ := c.Get(webserver.AppContextKey).(app.AppContext)
	return a
}

func logOperation(c echo.Context, action, desc string) {
	if a := GetApp(c); a != nil {
		a.LogOperation("api", c.RealIP(), action, desc)
	}
}

type instanceRegistry interface {
	Create(ctx context.Context, id, ownerRef string) (whatsapp.Snapshot, error)
	Status(id string) (whatsapp.Snapshot, error)
	List() []whatsapp.Snapshot
	Delete(ctx context.Context, id string) error
	MarkIntentionalDisconnect(id string) error
	Disconnect(id string) error
	Send(ctx context.Context, id, to, text string) (string, error)
	Stats() whatsapp.ConnectionStats
}

type webhookStats interface {
	Stats() whatsapp.DispatcherStats
}

// backend resolves the running whatsapp service; replaced in tests.
var backend = func() (instanceRegistry, webhookStats) {
	svc := whatsapp.Get()
	if svc == nil {
		return nil, nil
	}
	return svc.Manager(), svc.Dispatcher()
}
