package storage

import (
	"context"
	"crypto"
	"fmt"
	"time"
)

// NewCustomHealthCheckFunc returns a health check function that exercises a
// full create/delete round trip against the storage's AuthRequest table.
func NewCustomHealthCheckFunc(s Storage, now func() time.Time) func(context.Context) (interface{}, error) {
	return func(ctx context.Context) (interface{}, error) {
		a := AuthRequest{
			ID:       NewID(),
			ClientID: NewID(),

			// Short expiry so a failed delete is still cleaned up quickly by
			// garbage collection.
			Expiry:  now().Add(time.Minute),
			HMACKey: NewHMACKey(crypto.SHA256),
		}

		if err := s.CreateAuthRequest(ctx, a); err != nil {
			return nil, fmt.Errorf("create auth request: %v", err)
		}

		if err := s.DeleteAuthRequest(ctx, a.ID); err != nil {
			return nil, fmt.Errorf("delete auth request: %v", err)
		}

		return nil, nil
	}
}
