// Package mqtt implements the gateway's Broker Session: the single
// process-wide MQTT client connection shared by the Publisher Pump (for
// egress) and the Inbound Router (for ingress). See [Session] for the
// connect/publish/diagnostics surface and its DISCONNECTED -> CONNECTING
// -> CONNECTED state machine.
//
// Built on Eclipse Paho v2's [autopaho] package, which supplies the
// managed reconnect loop; Session wraps it with the counters and the
// connect-once-per-process discipline the gateway needs without
// re-implementing reconnect-with-backoff from scratch.
package mqtt
