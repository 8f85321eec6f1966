package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/hostbridge/internal/exec"
)

type handleInput struct {
	Handle string `path:"handle"`
}

type statusOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

func okStatus(status string) *statusOutput {
	out := &statusOutput{}
	out.Body.Status = status
	return out
}

func registerNodeHandlers(api huma.API, svc Service) {
	type executeInput struct {
		TabID   int64 `path:"tab_id"`
		FrameID int64 `path:"frame_id"`
		worldParam
		Body struct {
			Fn   string `json:"fn" doc:"Injected-script entry point, e.g. dom.title"`
			Args []any  `json:"args,omitempty" doc:"Arguments; registry handles are converted to remote node ids."`
		}
	}
	type executeOutput struct {
		Body struct {
			Result json.RawMessage `json:"result"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "execute", Method: http.MethodPost, Path: "/api/v1/tab/{tab_id}/frame/{frame_id}/execute", Summary: "Run an injected function in a frame", Tags: []string{"Execution"}},
		func(ctx context.Context, input *executeInput) (*executeOutput, error) {
			raw, err := svc.Execute(ctx, input.TabID, input.FrameID, input.world(), input.Body.Fn, input.Body.Args)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &executeOutput{}
			out.Body.Result = raw
			return out, nil
		})

	type queryInput struct {
		TabID   int64 `path:"tab_id"`
		FrameID int64 `path:"frame_id"`
		worldParam
		Body struct {
			Selector string `json:"selector"`
		}
	}
	type queryOutput struct {
		Body struct {
			Found  bool   `json:"found"`
			Handle string `json:"handle,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "query-selector", Method: http.MethodPost, Path: "/api/v1/tab/{tab_id}/frame/{frame_id}/query", Summary: "Resolve a CSS selector to a node handle", Tags: []string{"Execution"}},
		func(ctx context.Context, input *queryInput) (*queryOutput, error) {
			h, err := svc.Query(ctx, input.TabID, input.FrameID, input.world(), input.Body.Selector)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &queryOutput{}
			out.Body.Found = h != ""
			out.Body.Handle = h
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "click-node", Method: http.MethodPost, Path: "/api/v1/node/{handle}/click", Summary: "Click a node", Tags: []string{"Node"}},
		func(ctx context.Context, input *handleInput) (*statusOutput, error) {
			if err := svc.Click(ctx, input.Handle); err != nil {
				return nil, mapErr(err)
			}
			return okStatus("clicked"), nil
		})

	type setCheckedInput struct {
		Handle string `path:"handle"`
		Body   struct {
			Checked bool `json:"checked"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "set-node-checked", Method: http.MethodPut, Path: "/api/v1/node/{handle}/checked", Summary: "Force a checkbox or radio state", Tags: []string{"Node"}},
		func(ctx context.Context, input *setCheckedInput) (*statusOutput, error) {
			if err := svc.SetChecked(ctx, input.Handle, input.Body.Checked); err != nil {
				return nil, mapErr(err)
			}
			return okStatus("set"), nil
		})

	type boxOutput struct {
		Body struct {
			HasLayout bool      `json:"has_layout"`
			Box       *exec.Box `json:"box,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "get-node-box", Method: http.MethodGet, Path: "/api/v1/node/{handle}/box", Summary: "Get a node's bounding box", Tags: []string{"Node"}},
		func(ctx context.Context, input *handleInput) (*boxOutput, error) {
			box, err := svc.BoundingBox(ctx, input.Handle)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &boxOutput{}
			out.Body.HasLayout = box != nil
			out.Body.Box = box
			return out, nil
		})

	type dispatchInput struct {
		Handle string `path:"handle"`
		Body   struct {
			Type string         `json:"type" doc:"DOM event type, e.g. input"`
			Init map[string]any `json:"init,omitempty" doc:"Event constructor init properties."`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "dispatch-node-event", Method: http.MethodPost, Path: "/api/v1/node/{handle}/dispatch", Summary: "Dispatch a DOM event on a node", Tags: []string{"Node"}},
		func(ctx context.Context, input *dispatchInput) (*statusOutput, error) {
			if err := svc.DispatchEvent(ctx, input.Handle, input.Body.Type, input.Body.Init); err != nil {
				return nil, mapErr(err)
			}
			return okStatus("dispatched"), nil
		})

	huma.Register(api, huma.Operation{OperationID: "highlight-node", Method: http.MethodPost, Path: "/api/v1/node/{handle}/highlight", Summary: "Draw the overlay on a node", Tags: []string{"Node"}},
		func(ctx context.Context, input *handleInput) (*statusOutput, error) {
			if err := svc.Highlight(ctx, input.Handle); err != nil {
				return nil, mapErr(err)
			}
			return okStatus("highlighted"), nil
		})

	type clearHighlightsInput struct {
		TabID   int64 `path:"tab_id"`
		FrameID int64 `path:"frame_id"`
		worldParam
	}
	huma.Register(api, huma.Operation{OperationID: "clear-highlights", Method: http.MethodDelete, Path: "/api/v1/tab/{tab_id}/frame/{frame_id}/highlights", Summary: "Remove every overlay in a frame", Tags: []string{"Node"}},
		func(ctx context.Context, input *clearHighlightsInput) (*statusOutput, error) {
			if err := svc.ClearHighlights(ctx, input.TabID, input.FrameID, input.world()); err != nil {
				return nil, mapErr(err)
			}
			return okStatus("cleared"), nil
		})

	type axInput struct {
		TabID   int64 `path:"tab_id"`
		FrameID int64 `path:"frame_id"`
		worldParam
		Handle string `query:"handle" doc:"Root the snapshot at this node; omit for the whole frame."`
	}
	type axOutput struct {
		Body struct {
			Tree json.RawMessage `json:"tree"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "ax-snapshot", Method: http.MethodGet, Path: "/api/v1/tab/{tab_id}/frame/{frame_id}/ax", Summary: "Snapshot the accessibility tree", Tags: []string{"Execution"}},
		func(ctx context.Context, input *axInput) (*axOutput, error) {
			raw, err := svc.AXSnapshot(ctx, input.TabID, input.FrameID, input.world(), input.Handle)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &axOutput{}
			out.Body.Tree = raw
			return out, nil
		})

	type setFilesInput struct {
		Handle string `path:"handle"`
		Body   struct {
			Files []struct {
				Name     string `json:"name"`
				MimeType string `json:"mime_type,omitempty"`
				Base64   string `json:"base64" doc:"File contents, base64-encoded."`
			} `json:"files"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "set-input-files", Method: http.MethodPut, Path: "/api/v1/node/{handle}/files", Summary: "Place files into a file input", Tags: []string{"Node"}},
		func(ctx context.Context, input *setFilesInput) (*statusOutput, error) {
			files := make([]exec.FilePayload, len(input.Body.Files))
			for i, f := range input.Body.Files {
				data, err := base64.StdEncoding.DecodeString(f.Base64)
				if err != nil {
					return nil, huma.Error400BadRequest("files[" + f.Name + "]: invalid base64")
				}
				files[i] = exec.FilePayload{Name: f.Name, MimeType: f.MimeType, Data: data}
			}
			if err := svc.SetInputFiles(ctx, input.Handle, files); err != nil {
				return nil, mapErr(err)
			}
			return okStatus("set"), nil
		})

	huma.Register(api, huma.Operation{OperationID: "release-handle", Method: http.MethodDelete, Path: "/api/v1/node/{handle}", Summary: "Release a node handle", Tags: []string{"Node"}},
		func(ctx context.Context, input *handleInput) (*statusOutput, error) {
			if err := svc.ReleaseHandle(ctx, input.Handle); err != nil {
				return nil, mapErr(err)
			}
			return okStatus("released"), nil
		})
}
