package dbtest

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jtest "github.com/testcontainers/testcontainers-go/modules/neo4j"
)

// Neo4jImage is the image every Neo4j container runs.
//
// neo4jstore creates one database per store and guards identities with node key
// constraints, both of which need the enterprise edition.
// See <https://hub.docker.com/_/neo4j> for other tags.
const Neo4jImage = "docker.io/neo4j:5-enterprise"

// browserPort serves Neo4j Browser, which is handy when inspecting a container.
const browserPort = nat.Port("7474/tcp")

// SetupNeo4j runs a Neo4j container for the duration of t and returns a driver
// connected to it. Both are released when t completes.
//
// The test is skipped under -short and marked parallel. Databases and
// constraints are up to the caller, see neo4jstore.BootstrapDatabase.
func SetupNeo4j(t *testing.T) neo4j.DriverWithContext {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping container-based test in short mode...")
	}
	t.Parallel()

	ctx := context.Background()
	container, err := neo4jtest.Run(ctx, Neo4jImage, containerOptions(t,
		neo4jtest.WithoutAuthentication(),
		neo4jtest.WithAcceptCommercialLicenseAgreement(),
	)...)
	if err != nil {
		t.Fatal("Failed to run neo4j container:", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate neo4j container %s: %v", container.GetContainerID(), err)
		}
	})

	boltURL, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatal("Failed to resolve the bolt url:", err)
	}
	driver, err := neo4j.NewDriverWithContext(boltURL, neo4j.NoAuth())
	if err != nil {
		t.Fatal("Failed to open neo4j driver:", err)
	}
	t.Cleanup(func() {
		if err := driver.Close(ctx); err != nil {
			t.Error("Failed to close neo4j driver:", err)
		}
	})

	if err := awaitReady(ctx, t, driver.VerifyConnectivity); err != nil {
		t.Fatal("Neo4j never became reachable:", err)
	}

	browser, err := container.PortEndpoint(ctx, browserPort, "http")
	if err != nil {
		t.Fatal("Failed to resolve the browser endpoint:", err)
	}
	// Registered last so it runs before the container is terminated.
	t.Cleanup(func() {
		if !t.Failed() || !*Inspect {
			return
		}
		t.Logf("Keeping container %s for inspection, press Ctrl+C when done", container.GetContainerID())
		t.Logf("Browser: %s/browser?preselectAuthMethod=%s&dbms=%s", browser, url.QueryEscape("[NO_AUTH]"), url.QueryEscape(boltURL))
		waitForInspection()
	})
	return driver
}

// awaitReady calls ready until it succeeds, pausing between attempts. The
// container may report itself started before the server accepts connections.
func awaitReady(ctx context.Context, t *testing.T, ready func(context.Context) error) error {
	t.Helper()
	const attempts = 6
	const pause = 100 * time.Millisecond

	err := ready(ctx)
	for n := 1; err != nil && n < attempts; n++ {
		t.Logf("Waiting for neo4j (attempt %d of %d): %v", n+1, attempts, err)
		select {
		case <-time.After(pause):
		case <-ctx.Done():
			return fmt.Errorf("await ready: %w", ctx.Err())
		}
		err = ready(ctx)
	}
	return err
}
