// Package api exposes the controller over HTTP: REST operations for frames,
// nodes, and transfers, plus an SSE stream of lifecycle signals.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/hostbridge/internal/controller"
	"github.com/dgnsrekt/hostbridge/internal/events"
	"github.com/dgnsrekt/hostbridge/internal/exec"
	"github.com/dgnsrekt/hostbridge/internal/host"
	"github.com/dgnsrekt/hostbridge/internal/nav"
	"github.com/dgnsrekt/hostbridge/internal/store"
)

// Service is what the HTTP layer needs from the controller.
type Service interface {
	ListTabs(ctx context.Context) ([]host.TabInfo, error)
	ListFrames(ctx context.Context, tabID int64) ([]nav.Frame, error)
	GetFrame(ctx context.Context, tabID, frameID int64) (nav.Frame, error)
	AncestorChain(ctx context.Context, tabID, frameID int64) ([]int64, error)
	WaitForMainFrame(ctx context.Context, tabID int64, timeoutMS int) (nav.Frame, error)

	Execute(ctx context.Context, tabID, frameID int64, world host.World, fn string, args []any) (json.RawMessage, error)
	Query(ctx context.Context, tabID, frameID int64, world host.World, selector string) (string, error)
	Click(ctx context.Context, h string) error
	SetChecked(ctx context.Context, h string, checked bool) error
	BoundingBox(ctx context.Context, h string) (*exec.Box, error)
	DispatchEvent(ctx context.Context, h, eventType string, init map[string]any) error
	Highlight(ctx context.Context, h string) error
	ClearHighlights(ctx context.Context, tabID, frameID int64, world host.World) error
	AXSnapshot(ctx context.Context, tabID, frameID int64, world host.World, h string) (json.RawMessage, error)
	SetInputFiles(ctx context.Context, h string, files []exec.FilePayload) error
	ReleaseHandle(ctx context.Context, h string) error
	SweepHandles(ctx context.Context) (int, error)

	RequestPayload(ctx context.Context, tabID, frameID int64, kind string, params map[string]any, timeoutMS int) (store.PayloadMeta, error)
	PushBuffer(ctx context.Context, tabID, frameID int64, data []byte, filename, mimeType string) (string, error)
	TransferProgress(ctx context.Context, tabID, frameID int64, id string) (chunks, bytes int, complete bool, err error)
	CancelTransfer(ctx context.Context, tabID, frameID int64, id string) error
	ClosePort(ctx context.Context, tabID, frameID int64) error

	ListPayloads(ctx context.Context) ([]store.PayloadMeta, error)
	GetPayload(ctx context.Context, id string) (store.PayloadMeta, error)
	ReadPayloadData(ctx context.Context, id string) ([]byte, store.PayloadMeta, error)
	DeletePayload(ctx context.Context, id string) error

	DeepHealthCheck(ctx context.Context) (controller.HealthResult, error)
}

// frameInput addresses one frame of one tab.
type frameInput struct {
	TabID   int64 `path:"tab_id"`
	FrameID int64 `path:"frame_id"`
}

// worldParam is the optional world selector shared by execution endpoints.
type worldParam struct {
	World string `query:"world" default:"isolated" enum:"isolated,privileged" doc:"Execution world for the injected call."`
}

func (w worldParam) world() host.World {
	if w.World == string(host.WorldPrivileged) {
		return host.WorldPrivileged
	}
	return host.WorldIsolated
}

// NewServer builds the HTTP handler: huma-registered REST operations plus
// the SSE stream.
func NewServer(svc Service, broker *events.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Hostbridge Controller API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	router.Get("/api/v1/events", events.SSEHandler(broker))

	registerNavHandlers(api, svc)
	registerNodeHandlers(api, svc)
	registerTransferHandlers(api, svc)
	registerMiscHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *controller.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case controller.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case controller.CodeTabNotFound, controller.CodeFrameNotFound,
			controller.CodeHandleNotFound, controller.CodePayloadNotFound:
			return huma.Error404NotFound(coded.Message)
		case controller.CodeContextDestroyed:
			return huma.Error409Conflict(coded.Message)
		case controller.CodeHostClosed:
			return huma.Error410Gone(coded.Message)
		case controller.CodeHostCrashed, controller.CodeHostUnavailable:
			return huma.Error502BadGateway(coded.Message)
		case controller.CodeExecTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
