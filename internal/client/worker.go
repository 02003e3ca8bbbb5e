package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/aristath/missionctl/internal/broker"
	"github.com/aristath/missionctl/internal/mission"
)

// Long-poll window per dequeue request, and the bound on ack and report calls.
const (
	DefaultPollWait = 30 * time.Second
	callTimeout     = 30 * time.Second
)

// RemoteSource feeds worker pools from a remote server's worker boundary.
type RemoteSource struct {
	client   *Client
	pollWait time.Duration
}

// NewRemoteSource creates a source that long-polls for up to pollWait per request.
func NewRemoteSource(c *Client, pollWait time.Duration) *RemoteSource {
	if pollWait <= 0 {
		pollWait = DefaultPollWait
	}
	return &RemoteSource{client: c, pollWait: pollWait}
}

// Dequeue long-polls until a delivery arrives or ctx is done.
// An unknown category is a ValidationError.
func (s *RemoteSource) Dequeue(ctx context.Context, category mission.Category) (broker.Envelope, error) {
	path := "/v1/workers/" + url.PathEscape(string(category)) + "/dequeue?wait=" + s.pollWait.String()
	for {
		env, ok, err := s.poll(ctx, path)
		if err != nil {
			switch StatusCode(err) {
			case http.StatusBadRequest:
				return broker.Envelope{}, &mission.ValidationError{Field: "category", Reason: err.Error()}
			case http.StatusServiceUnavailable:
				return broker.Envelope{}, errors.Join(broker.ErrClosed, err)
			}
			return broker.Envelope{}, err
		}
		if ok {
			return env, nil
		}
		if err := ctx.Err(); err != nil {
			return broker.Envelope{}, err
		}
	}
}

func (s *RemoteSource) poll(ctx context.Context, path string) (broker.Envelope, bool, error) {
	resp, err := s.client.send(ctx, http.MethodPost, path, nil)
	if err != nil {
		return broker.Envelope{}, false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return broker.Envelope{}, false, nil
	case resp.StatusCode >= 300:
		return broker.Envelope{}, false, decodeError(resp)
	}

	var env broker.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return broker.Envelope{}, false, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env, true, nil
}

// Ack acknowledges a delivery. An expired delivery is broker.ErrUnknownDelivery.
func (s *RemoteSource) Ack(deliveryID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	err := s.client.do(ctx, http.MethodPost, "/v1/deliveries/"+url.PathEscape(deliveryID)+"/ack", nil, nil)
	if StatusCode(err) == http.StatusNotFound {
		return fmt.Errorf("%w: %s", broker.ErrUnknownDelivery, deliveryID)
	}
	return err
}

// Report sends a worker report.
func (s *RemoteSource) Report(r broker.Report) error {
	if err := r.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	err := s.client.do(ctx, http.MethodPost, "/v1/reports", r, nil)
	if StatusCode(err) == http.StatusServiceUnavailable {
		return errors.Join(broker.ErrClosed, err)
	}
	return err
}
