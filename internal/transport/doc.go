/*
Package transport provides the single throttled HTTP session to the detector.

Embedded detector servers degrade or wedge when requests arrive back to back,
so every request in the process flows through one Session that enforces two
rules:

 1. One request in flight. Callers are serialized; a second caller blocks
    until the first request has completed.

 2. A spacing floor between requests. The gap is measured from the
    completion of the previous request (success or failure) to the start of
    the next one. A request that fails still arms the floor for its
    successor.

# Timeouts

Connection establishment and the total request each have an independent
timeout. A connect or total-deadline expiry maps to TIMEOUT; a refused or
reset connection maps to CONNECTION_REFUSED; an HTTP error status or an
unparseable body maps to MALFORMED_RESPONSE. Device-level rejections keep
their meaning: 404 is PARAM_NOT_FOUND, 409 is BUSY.

# Buffer Reuse

Response bodies are read into a buffer owned by the Session. Slices returned
by GetRaw and the bytes decoded by GetJSON alias that buffer and are valid
only until the next request. Callers that need the bytes longer must copy.

# Usage

	session, err := transport.New(&transport.Config{
		BaseURL:        "http://192.168.1.50:8081",
		RequestSpacing: 10 * time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	var status struct {
		State string `json:"state"`
	}
	if err := session.GetJSON(ctx, "/api/v1/status", &status); err != nil {
		return err
	}
*/
package transport
