package api

import (
	"context"

	"github.com/pushchain/dxdirectory/dxClient/auth"
	"github.com/pushchain/dxdirectory/dxClient/core"
)

// DirectoryClient defines the methods needed by the API server
type DirectoryClient interface {
	Handle(ctx context.Context, op core.Operation, fields core.Fields) (*core.Response, error)
	Authenticate(token string) (*auth.Claims, error)
	Status(ctx context.Context) (*core.Status, error)
}
