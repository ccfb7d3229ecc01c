// Package redisstore provides a Redis adapter for the xsaga state store.
//
// Store name: "redis"
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - username / password: credentials (optional)
// - db: database index (default 0)
// - tls / tls_server_name: TLS settings (optional)
// - key_prefix: key namespace (default "xsaga")
//
// Layout: one hash per instance at "<prefix>:state:<saga>:<id>" and a
// correlation index key at "<prefix>:corr:<saga>:<correlation-id>". Inserts
// and version-checked updates run as Lua scripts so both uniqueness
// constraints and the compare-and-set are atomic server-side.
//
// Example builder usage:
//
//	bus, _ := xsaga.NewBusBuilder().
//	    WithStore(redisstore.StoreName, map[string]any{
//	        "addr":       "localhost:6379",
//	        "key_prefix": "payments",
//	    }).
//	    Build()
package redisstore
