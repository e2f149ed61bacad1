// Conduit is an embeddable reverse-proxy engine.
//
// It forwards HTTP requests to pools of HTTP or FastCGI backends from a
// single event loop, balancing across backend addresses and streaming
// responses through spill-to-disk buffers.
//
// Usage:
//
//	# Start the proxy
//	conduit run --config /etc/conduit/config.yaml
//
//	# Check a configuration file
//	conduit validate --config config.yaml
//
//	# Show configured backends, or the live state of a running proxy
//	conduit backends
//	conduit backends --url http://127.0.0.1:8080/backends
//
//	# Manage virtual hosts
//	conduit vhost set www.example.com app --docroot /srv/www
//	conduit vhost list --output json
//
//	# Show version information
//	conduit version
package main

func main() {
	Execute()
}
