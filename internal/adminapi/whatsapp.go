package adminapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wahub/internal/webserver"
	"github.com/talkincode/wahub/internal/whatsapp"
	"go.uber.org/zap"
)

func registerWhatsAppRoutes() {
	webserver.ApiGET("/instances", listInstances)
	webserver.ApiPOST("/instances", createInstance)
	webserver.ApiGET("/instances/:id", getInstance)
	webserver.ApiDELETE("/instances/:id", deleteInstance)
	webserver.ApiGET("/instances/:id/qr", getInstanceQR)
	webserver.ApiPOST("/instances/:id/disconnect", disconnectInstance)
	webserver.ApiPOST("/send", sendMessage)
}

func notInitialized(c echo.Context) error {
	return fail(c, http.StatusServiceUnavailable, "WA_NOT_INITIALIZED", "WhatsApp service not initialized", nil)
}

// registryError maps core errors onto http statuses.
func registryError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, whatsapp.ErrInvalidID):
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid instance id", err.Error())
	case errors.Is(err, whatsapp.ErrInvalidRecipient):
		return fail(c, http.StatusBadRequest, "INVALID_RECIPIENT", "Invalid recipient", err.Error())
	case errors.Is(err, whatsapp.ErrAlreadyExists):
		return fail(c, http.StatusConflict, "ALREADY_EXISTS", "Instance already exists", nil)
	case errors.Is(err, whatsapp.ErrNotFound), errors.Is(err, whatsapp.ErrDeleted):
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	case errors.Is(err, whatsapp.ErrNotConnected):
		return fail(c, http.StatusConflict, "NOT_CONNECTED", "Instance is not connected", nil)
	}
	zap.L().Warn("adminapi: request failed", zap.String("path", c.Path()), zap.Error(err))
	return fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Request failed", err.Error())
}

func listInstances(c echo.Context) error {
	reg, _ := backend()
	if reg == nil {
		return notInitialized(c)
	}
	return ok(c, map[string]interface{}{"instances": reg.List()})
}

// createInstance registers an instance and starts pairing in the background.
// Request JSON: { "instanceId": "sales", "ownerRef": "acme" }
func createInstance(c echo.Context) error {
	reg, _ := backend()
	if reg == nil {
		return notInitialized(c)
	}
	var payload struct {
		InstanceID string `json:"instanceId"`
		OwnerRef   string `json:"ownerRef"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	payload.InstanceID = strings.TrimSpace(payload.InstanceID)
	if payload.InstanceID == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "instanceId is required", nil)
	}

	snap, err := reg.Create(c.Request().Context(), payload.InstanceID, payload.OwnerRef)
	if err != nil {
		return registryError(c, err)
	}
	logOperation(c, "instance.create", payload.InstanceID)
	return ok(c, snap)
}

func getInstance(c echo.Context) error {
	reg, _ := backend()
	if reg == nil {
		return notInitialized(c)
	}
	snap, err := reg.Status(c.Param("id"))
	if err != nil {
		return registryError(c, err)
	}
	return ok(c, snap)
}

// getInstanceQR returns the pending pairing image, if any. The image is a
// data URI ready for an <img> tag.
func getInstanceQR(c echo.Context) error {
	reg, _ := backend()
	if reg == nil {
		return notInitialized(c)
	}
	snap, err := reg.Status(c.Param("id"))
	if err != nil {
		return registryError(c, err)
	}
	return ok(c, map[string]interface{}{
		"instanceId": snap.ID,
		"status":     snap.Status,
		"qrImage":    snap.QRImage,
		"hasQr":      snap.QRImage != "",
	})
}

// disconnectInstance stops automatic reconnection. With ?close=true the live
// session is closed as well.
func disconnectInstance(c echo.Context) error {
	reg, _ := backend()
	if reg == nil {
		return notInitialized(c)
	}
	id := c.Param("id")
	q := strings.ToLower(strings.TrimSpace(c.QueryParam("close")))
	closeSession := q == "1" || q == "true" || q == "yes"

	var err error
	if closeSession {
		err = reg.Disconnect(id)
	} else {
		err = reg.MarkIntentionalDisconnect(id)
	}
	if err != nil {
		return registryError(c, err)
	}
	logOperation(c, "instance.disconnect", id)
	return ok(c, map[string]interface{}{"disconnected": true, "closed": closeSession})
}

func deleteInstance(c echo.Context) error {
	reg, _ := backend()
	if reg == nil {
		return notInitialized(c)
	}
	id := c.Param("id")
	zap.L().Info("adminapi: delete instance requested", zap.String("instance_id", id), zap.String("remote_addr", c.RealIP()))
	if err := reg.Delete(c.Request().Context(), id); err != nil {
		return registryError(c, err)
	}
	logOperation(c, "instance.delete", id)
	return ok(c, map[string]interface{}{"deleted": true})
}

// sendMessage sends a text message from a connected instance.
// Request JSON: { "instanceId": "sales", "phone": "5511999990000", "message": "hello" }
func sendMessage(c echo.Context) error {
	reg, _ := backend()
	if reg == nil {
		return notInitialized(c)
	}
	var payload struct {
		InstanceID string `json:"instanceId"`
		Phone      string `json:"phone"`
		Message    string `json:"message"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if payload.InstanceID == "" || payload.Phone == "" || payload.Message == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "instanceId, phone and message are required", nil)
	}

	msgID, err := reg.Send(c.Request().Context(), payload.InstanceID, payload.Phone, payload.Message)
	if err != nil {
		return registryError(c, err)
	}
	logOperation(c, "message.send", payload.InstanceID)
	return ok(c, map[string]interface{}{"messageId": msgID})
}
