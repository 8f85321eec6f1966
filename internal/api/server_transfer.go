package api

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/hostbridge/internal/store"
)

func registerTransferHandlers(api huma.API, svc Service) {
	type requestPayloadInput struct {
		TabID   int64 `path:"tab_id"`
		FrameID int64 `path:"frame_id"`
		Body    struct {
			Kind      string         `json:"kind" enum:"file,image,buffer" doc:"What to ask the frame for."`
			Params    map[string]any `json:"params,omitempty" doc:"Kind-specific request parameters."`
			TimeoutMS int            `json:"timeout_ms,omitempty" doc:"Reassembly budget. 0 uses the configured execution timeout."`
		}
	}
	type payloadMetaOutput struct {
		Body store.PayloadMeta
	}
	huma.Register(api, huma.Operation{OperationID: "request-payload", Method: http.MethodPost, Path: "/api/v1/tab/{tab_id}/frame/{frame_id}/transfer/request", Summary: "Request a payload from a frame over its transfer port", Tags: []string{"Transfer"}},
		func(ctx context.Context, input *requestPayloadInput) (*payloadMetaOutput, error) {
			meta, err := svc.RequestPayload(ctx, input.TabID, input.FrameID, input.Body.Kind, input.Body.Params, input.Body.TimeoutMS)
			if err != nil {
				return nil, mapErr(err)
			}
			return &payloadMetaOutput{Body: meta}, nil
		})

	type pushBufferInput struct {
		TabID   int64 `path:"tab_id"`
		FrameID int64 `path:"frame_id"`
		Body    struct {
			Base64   string `json:"base64" doc:"Buffer contents, base64-encoded."`
			Filename string `json:"filename,omitempty"`
			MimeType string `json:"mime_type,omitempty"`
		}
	}
	type pushBufferOutput struct {
		Body struct {
			TransferID string `json:"transfer_id"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "push-buffer", Method: http.MethodPost, Path: "/api/v1/tab/{tab_id}/frame/{frame_id}/transfer/push", Summary: "Stream a buffer into a frame", Tags: []string{"Transfer"}},
		func(ctx context.Context, input *pushBufferInput) (*pushBufferOutput, error) {
			data, err := base64.StdEncoding.DecodeString(input.Body.Base64)
			if err != nil {
				return nil, huma.Error400BadRequest("invalid base64 buffer")
			}
			id, err := svc.PushBuffer(ctx, input.TabID, input.FrameID, data, input.Body.Filename, input.Body.MimeType)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &pushBufferOutput{}
			out.Body.TransferID = id
			return out, nil
		})

	type transferIDInput struct {
		TabID      int64  `path:"tab_id"`
		FrameID    int64  `path:"frame_id"`
		TransferID string `path:"transfer_id"`
	}
	type progressOutput struct {
		Body struct {
			ChunksReceived int  `json:"chunks_received"`
			BytesReceived  int  `json:"bytes_received"`
			Complete       bool `json:"complete"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "transfer-progress", Method: http.MethodGet, Path: "/api/v1/tab/{tab_id}/frame/{frame_id}/transfer/{transfer_id}", Summary: "Report an in-flight transfer's progress", Tags: []string{"Transfer"}},
		func(ctx context.Context, input *transferIDInput) (*progressOutput, error) {
			chunks, bytes, complete, err := svc.TransferProgress(ctx, input.TabID, input.FrameID, input.TransferID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &progressOutput{}
			out.Body.ChunksReceived = chunks
			out.Body.BytesReceived = bytes
			out.Body.Complete = complete
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "cancel-transfer", Method: http.MethodDelete, Path: "/api/v1/tab/{tab_id}/frame/{frame_id}/transfer/{transfer_id}", Summary: "Cancel an in-flight transfer", Tags: []string{"Transfer"}},
		func(ctx context.Context, input *transferIDInput) (*statusOutput, error) {
			if err := svc.CancelTransfer(ctx, input.TabID, input.FrameID, input.TransferID); err != nil {
				return nil, mapErr(err)
			}
			return okStatus("cancelled"), nil
		})

	huma.Register(api, huma.Operation{OperationID: "close-port", Method: http.MethodDelete, Path: "/api/v1/tab/{tab_id}/frame/{frame_id}/port", Summary: "Close a frame's transfer port, discarding in-flight transfers", Tags: []string{"Transfer"}},
		func(ctx context.Context, input *frameInput) (*statusOutput, error) {
			if err := svc.ClosePort(ctx, input.TabID, input.FrameID); err != nil {
				return nil, mapErr(err)
			}
			return okStatus("closed"), nil
		})

	type payloadsOutput struct {
		Body struct {
			Payloads []store.PayloadMeta `json:"payloads"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-payloads", Method: http.MethodGet, Path: "/api/v1/payloads", Summary: "List stored payloads", Tags: []string{"Payload"}},
		func(ctx context.Context, input *struct{}) (*payloadsOutput, error) {
			metas, err := svc.ListPayloads(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &payloadsOutput{}
			out.Body.Payloads = metas
			return out, nil
		})

	type payloadIDInput struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{OperationID: "get-payload", Method: http.MethodGet, Path: "/api/v1/payload/{id}", Summary: "Get stored payload metadata", Tags: []string{"Payload"}},
		func(ctx context.Context, input *payloadIDInput) (*payloadMetaOutput, error) {
			meta, err := svc.GetPayload(ctx, input.ID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &payloadMetaOutput{Body: meta}, nil
		})

	type payloadDataOutput struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}
	huma.Register(api, huma.Operation{OperationID: "read-payload-data", Method: http.MethodGet, Path: "/api/v1/payload/{id}/data", Summary: "Read stored payload bytes", Tags: []string{"Payload"}},
		func(ctx context.Context, input *payloadIDInput) (*payloadDataOutput, error) {
			data, meta, err := svc.ReadPayloadData(ctx, input.ID)
			if err != nil {
				return nil, mapErr(err)
			}
			ct := meta.MimeType
			if ct == "" {
				ct = "application/octet-stream"
			}
			return &payloadDataOutput{ContentType: ct, Body: data}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "delete-payload", Method: http.MethodDelete, Path: "/api/v1/payload/{id}", Summary: "Delete a stored payload", Tags: []string{"Payload"}},
		func(ctx context.Context, input *payloadIDInput) (*statusOutput, error) {
			if err := svc.DeletePayload(ctx, input.ID); err != nil {
				return nil, mapErr(err)
			}
			return okStatus("deleted"), nil
		})
}
