// Package payments holds funds for the seats of an opened ride.
package payments

import (
	"context"
	"strconv"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-pairing/internal/models"
)

// StripeClient places manual-capture PaymentIntents as seat holds.
type StripeClient struct{}

func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// HoldSeats reserves amount for the ride's party. The ride id doubles as the
// idempotency key, so a retried accept never holds twice.
func (s *StripeClient) HoldSeats(ctx context.Context, ride *models.RideHandle, amount int64, currency string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Description:   stripe.String("seat hold for ride " + ride.RideID),
	}
	params.Context = ctx
	params.SetIdempotencyKey("seat-hold-" + ride.RideID)
	params.AddMetadata("ride_id", ride.RideID)
	params.AddMetadata("match_id", ride.MatchID)
	params.AddMetadata("seeker_id", ride.SeekerID)
	params.AddMetadata("party_size", strconv.Itoa(ride.PartySize))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Release cancels a hold that no ride ended up using.
func (s *StripeClient) Release(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}
