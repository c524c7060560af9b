/*
Package server exposes the ops HTTP surface of a fleet manager.

	GET    /health              component health
	GET    /ready               raft and storage readiness
	GET    /ready/components    readiness of registered components
	GET    /live                liveness
	GET    /metrics             Prometheus metrics
	GET    /v1/merges           merge attempts, filtered by ?state=
	POST   /v1/merges           submit a merge attempt
	GET    /v1/merges/{id}      one attempt and its decision
	DELETE /v1/merges/{id}      cancel an attempt
	GET    /v1/workflows/{id}   parent workflow
	POST   /v1/actions/detach-disk

Actions run as the user named in the X-Fleet-User header. Validation
rejections are returned as the ValidationResult body with a 4xx code.
*/
package server
