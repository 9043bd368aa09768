// Package mediator is the HTTP client used to reach the registry, locky and
// actiony capabilities of a remote arstotzka deployment.
//
// A Client holds one base URL per capability. Calls against a capability
// whose URL is empty fail immediately with ErrRemoteNotConfigured. Transport
// failures are retried according to the configured RetryStrategy and then
// surface as *TransportError. Non-2xx responses surface as *APIError whose
// ErrorCode reports the domain kind mapped for that endpoint, so callers can
// branch with errors.As without knowing status codes:
//
//	cli, err := mediator.New(mediator.Config{
//		RegistryURL: "http://registry:8080",
//		LockyURL:    "http://locky:8080",
//		ActionyURL:  "http://actiony:8080",
//		Timeout:     5 * time.Second,
//		Retry:       &mediator.RetryStrategy{Retries: 3, Exponential: true},
//	})
//	if err != nil {
//		return err
//	}
//	lockID, err := cli.ReserveAccess(ctx, serviceID)
//	var apiErr *mediator.APIError
//	if errors.As(err, &apiErr) && apiErr.ErrorCode() == api.CodeActiveBlockingActions {
//		// try again later
//	}
//
// Stateful wraps a Client for one service and remembers the reservation and
// action it created, which keeps the reserve, act, update and release
// sequence of a worker short.
package mediator
