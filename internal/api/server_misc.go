package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/hostbridge/internal/controller"
)

func registerMiscHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type deepHealthOutput struct {
		Body controller.HealthResult
	}
	huma.Register(api, huma.Operation{OperationID: "deep-health", Method: http.MethodGet, Path: "/api/v1/health/deep", Summary: "Deep health check against the bridge", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*deepHealthOutput, error) {
			result, err := svc.DeepHealthCheck(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &deepHealthOutput{Body: result}, nil
		})

	type sweepOutput struct {
		Body struct {
			Evicted int `json:"evicted"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "sweep-handles", Method: http.MethodPost, Path: "/api/v1/handles/sweep", Summary: "Evict handles whose nodes have disconnected", Tags: []string{"Node"}},
		func(ctx context.Context, input *struct{}) (*sweepOutput, error) {
			n, err := svc.SweepHandles(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &sweepOutput{}
			out.Body.Evicted = n
			return out, nil
		})
}
