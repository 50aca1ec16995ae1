// Package handlers implements the videoflow HTTP endpoints.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"videoflow/internal/correlation"
	"videoflow/internal/durable"
	"videoflow/internal/pkg/logger"
	"videoflow/internal/ports"
)

// Engine is the part of durable.Engine the handlers drive.
type Engine interface {
	Start(ctx context.Context, workflow string, input any, opts ...durable.StartOption) (string, error)
	RaiseSignal(ctx context.Context, instanceID, name string, payload any) error
	Instance(ctx context.Context, id string) (*durable.Instance, error)
	List(ctx context.Context, filter durable.Filter) ([]durable.Instance, error)
}

// Check probes one dependency for the deep health check.
type Check func(ctx context.Context) error

type Deps struct {
	Engine       Engine
	Correlations correlation.Store
	Storage      ports.StorageProvider
	// Checks are run by GET /health?deep=true, keyed by dependency name.
	Checks map[string]Check
	Log    *logger.Logger

	ServiceName string
	// PublicURL prefixes the management links returned on start. The
	// request host is used when it is empty.
	PublicURL       string
	ApprovalTimeout time.Duration
	// NewUploadKey names uploaded videos. Defaults to a UUID.
	NewUploadKey func() string
}

type Handler struct {
	engine          Engine
	correlations    correlation.Store
	sp              ports.StorageProvider
	checks          map[string]Check
	log             *logger.Logger
	serviceName     string
	publicURL       string
	approvalTimeout time.Duration
	newUploadKey    func() string
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	name := d.ServiceName
	if name == "" {
		name = "videoflow"
	}
	newKey := d.NewUploadKey
	if newKey == nil {
		newKey = newUploadKey
	}
	return &Handler{
		engine:          d.Engine,
		correlations:    d.Correlations,
		sp:              d.Storage,
		checks:          d.Checks,
		log:             log.WithComponent("http"),
		serviceName:     name,
		publicURL:       strings.TrimRight(d.PublicURL, "/"),
		approvalTimeout: d.ApprovalTimeout,
		newUploadKey:    newKey,
	}
}

// baseURL returns the externally visible origin of the API.
func (h *Handler) baseURL(r *http.Request) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
