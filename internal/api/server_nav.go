package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/hostbridge/internal/host"
	"github.com/dgnsrekt/hostbridge/internal/nav"
)

func registerNavHandlers(api huma.API, svc Service) {
	type tabsOutput struct {
		Body struct {
			Tabs []host.TabInfo `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List open tabs", Tags: []string{"Navigation"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &tabsOutput{}
			out.Body.Tabs = tabs
			return out, nil
		})

	type framesOutput struct {
		Body struct {
			Frames []nav.Frame `json:"frames"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-frames", Method: http.MethodGet, Path: "/api/v1/tab/{tab_id}/frames", Summary: "List a tab's tracked frames", Tags: []string{"Navigation"}},
		func(ctx context.Context, input *struct {
			TabID int64 `path:"tab_id"`
		}) (*framesOutput, error) {
			frames, err := svc.ListFrames(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &framesOutput{}
			out.Body.Frames = frames
			return out, nil
		})

	type frameOutput struct {
		Body nav.Frame
	}
	huma.Register(api, huma.Operation{OperationID: "get-frame", Method: http.MethodGet, Path: "/api/v1/tab/{tab_id}/frame/{frame_id}", Summary: "Get one tracked frame", Tags: []string{"Navigation"}},
		func(ctx context.Context, input *frameInput) (*frameOutput, error) {
			f, err := svc.GetFrame(ctx, input.TabID, input.FrameID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &frameOutput{Body: f}, nil
		})

	type ancestorsOutput struct {
		Body struct {
			Chain []int64 `json:"chain" doc:"Frame ids from the frame up to its root, frame first."`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "get-frame-ancestors", Method: http.MethodGet, Path: "/api/v1/tab/{tab_id}/frame/{frame_id}/ancestors", Summary: "Resolve a frame's ancestor chain", Tags: []string{"Navigation"}},
		func(ctx context.Context, input *frameInput) (*ancestorsOutput, error) {
			chain, err := svc.AncestorChain(ctx, input.TabID, input.FrameID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &ancestorsOutput{}
			out.Body.Chain = chain
			return out, nil
		})

	type waitInput struct {
		TabID     int64 `path:"tab_id"`
		TimeoutMS int   `query:"timeout_ms" default:"0" doc:"Wait budget in milliseconds. 0 uses the configured execution timeout."`
	}
	huma.Register(api, huma.Operation{OperationID: "wait-main-frame", Method: http.MethodPost, Path: "/api/v1/tab/{tab_id}/wait-main-frame", Summary: "Wait until the tab's main frame has committed", Tags: []string{"Navigation"}},
		func(ctx context.Context, input *waitInput) (*frameOutput, error) {
			f, err := svc.WaitForMainFrame(ctx, input.TabID, input.TimeoutMS)
			if err != nil {
				return nil, mapErr(err)
			}
			return &frameOutput{Body: f}, nil
		})
}
