// Package arstotzka exposes the Go APIs behind the coordination service of the
// OSM vector pipeline. It keeps a registry of services arranged in parent/child
// trees, hands out time-bounded locks over sets of services, records actions
// under each service's parallelism policy, and rotates service subtrees.
//
// # Running a server
//
// The server listens on the network specified by `Config.ListenProto` (default
// `tcp`) and address `Config.Listen`. The store URL selects the backend:
// `mem://` for a process-local store or a `postgres://` connection string.
//
//	cfg := arstotzka.Config{
//	    Store:  "postgres://arstotzka:secret@db:5432/arstotzka?sslmode=disable",
//	    Listen: ":8080",
//	}
//	srv, err := arstotzka.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("arstotzka: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// # Roles
//
// A process serves any subset of the registry, locky and actiony roles.
// Capabilities that are not served locally are reached through the mediator
// at the configured remote URL, so the same binary can run as one service or
// as three.
//
//	cfg := arstotzka.Config{
//	    Store:       "mem://",
//	    Roles:       []string{arstotzka.RoleActiony},
//	    RegistryURL: "http://registry:8080",
//	    LockyURL:    "http://locky:8080",
//	}
//
// # Embedding
//
// StartServer runs the server in the background and returns once it accepts
// connections:
//
//	srv, stop, err := arstotzka.StartServer(ctx, arstotzka.Config{Store: "mem://", Listen: "127.0.0.1:0"})
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//	fmt.Println(srv.ListenerAddr())
//
// Workers talk to the service with the mediator package
// (github.com/MapColonies/arstotzka/mediator).
package arstotzka
