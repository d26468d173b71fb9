package payment

import "context"

// Gateway settles charges with the external payment provider. The
// marketplace checkout hands the customer an external payment reference
// before confirmation reaches this service; Charge settles that reference
// for the given amount. Implementations return an error wrapping
// auction.ErrGatewayDeclined when the provider refuses the charge.
type Gateway interface {
	Charge(ctx context.Context, customerID string, amount int64, externalRef string) error
}

// AutoApproveGateway approves every charge. It stands in for the real
// provider in development and test deployments.
type AutoApproveGateway struct{}

func (AutoApproveGateway) Charge(context.Context, string, int64, string) error { return nil }
