// Package httpserver exposes the runtime over HTTP.
//
// Routes:
//
//	GET    /v1/healthz                    health check
//	GET    /metrics                       Prometheus metrics (when wired)
//	GET    /v1/topics                     list open topics
//	GET    /v1/topics/{topic}/stats       topic state, segments, producers
//	GET    /v1/topics/{topic}/entries     read stored entries from a position
//	POST   /v1/topics/{topic}/publish     publish with producer identity and sequence id
//	POST   /v1/topics/{topic}/recover     drive recovery of a failing topic
//	DELETE /v1/topics/{topic}             remove the topic and purge its data
//
// Publishing a sequence id that is already durable returns 200 with
// {"duplicate": true}; a storage outage returns 503 and the id stays
// retriable.
package httpserver
