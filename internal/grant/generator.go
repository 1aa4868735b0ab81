// Package grant derives restricted access grants through the background
// derivation worker.
package grant

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/arcstor/console-access-engine/internal/permission"
	"github.com/arcstor/console-access-engine/internal/worker"
)

// Steps of the two-phase derivation, named in errors and logs.
const (
	StepRestrict = "restrict"
	StepDerive   = "derive"
)

// DerivationError reports a failed worker step. The flow stops at the
// failing step; no partial grant is ever returned.
type DerivationError struct {
	Step string
	Err  error
}

func (e *DerivationError) Error() string {
	return fmt.Sprintf("access grant derivation failed at %s step: %v", e.Step, e.Err)
}

func (e *DerivationError) Unwrap() error { return e.Err }

// Request carries everything needed to derive a restricted access grant.
type Request struct {
	APIKey           string
	Passphrase       string
	Salt             string // base64; preferred over ProjectID
	ProjectID        string
	SatelliteNodeURL string
	Permission       permission.Permission
}

// Generator sequences the two worker round-trips that produce an access
// grant: restrict the raw API key, then derive the final grant from the
// restricted key and the passphrase.
type Generator struct {
	client *worker.Client
	logger *logrus.Entry
}

// NewGenerator creates a generator on top of a worker client.
func NewGenerator(client *worker.Client) *Generator {
	return &Generator{
		client: client,
		logger: logrus.WithField("module", "grant"),
	}
}

// Generate derives a restricted access grant. The second worker message
// is only sent after the first succeeded.
func (g *Generator) Generate(ctx context.Context, req Request) (string, error) {
	if req.APIKey == "" {
		return "", &DerivationError{Step: StepRestrict, Err: fmt.Errorf("api key is required")}
	}
	if err := req.Permission.Validate(); err != nil {
		return "", &DerivationError{Step: StepRestrict, Err: err}
	}

	restricted, err := g.roundTrip(ctx, StepRestrict,
		worker.NewSetPermissionRequest(req.APIKey, req.Permission))
	if err != nil {
		return "", err
	}

	grant, err := g.roundTrip(ctx, StepDerive,
		worker.NewGenerateAccessRequest(restricted, req.Passphrase, req.Salt, req.ProjectID, req.SatelliteNodeURL))
	if err != nil {
		return "", err
	}

	g.logger.WithFields(logrus.Fields{
		"satellite":    req.SatelliteNodeURL,
		"bucket_count": len(req.Permission.Buckets),
	}).Debug("Access grant derived")

	return grant, nil
}

func (g *Generator) roundTrip(ctx context.Context, step string, req *worker.Request) (string, error) {
	resp, err := g.client.Call(ctx, req)
	if err != nil {
		return "", &DerivationError{Step: step, Err: err}
	}
	if resp.Error != "" {
		return "", &DerivationError{Step: step, Err: fmt.Errorf("%s", resp.Error)}
	}
	if resp.Value == "" {
		return "", &DerivationError{Step: step, Err: fmt.Errorf("worker reply carried no value")}
	}
	return resp.Value, nil
}
