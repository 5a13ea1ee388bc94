package topology

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/tourist-safety/backend/pkg/circuitbreaker"
	"github.com/tourist-safety/backend/pkg/logger"
	"github.com/tourist-safety/backend/pkg/retry"
)

// Camera is a registered camera node in the deployment graph.
type Camera struct {
	CameraID string
	Zone     string
	Lat      float64
	Lon      float64
}

// Graph stores camera adjacency in neo4j. Adjacency feeds the matcher's
// spatio-temporal gating: a person seen on camera A can only plausibly
// reappear on A or a camera adjacent to it.
type Graph struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryPolicy retry.Policy
}

func NewGraph(uri, username, password, database string) (*Graph, error) {
	if database == "" {
		database = "neo4j"
	}
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryPolicy := retry.Policy{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Camera topology graph initialized",
		zap.String("uri", uri),
		zap.String("database", database),
	)

	return &Graph{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryPolicy: retryPolicy,
	}, nil
}

func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

func (g *Graph) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return g.cb.Execute(ctx, func() error {
		return retry.Do(ctx, g.retryPolicy, func() error {
			session := g.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: g.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// RegisterCamera upserts a camera node.
func (g *Graph) RegisterCamera(ctx context.Context, cam *Camera) error {
	return g.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MERGE (c:Camera {camera_id: $camera_id})
			SET c.zone = $zone,
			    c.lat = $lat,
			    c.lon = $lon,
			    c.updated_at = timestamp()
		`
		_, err := session.Run(ctx, query, map[string]interface{}{
			"camera_id": cam.CameraID,
			"zone":      cam.Zone,
			"lat":       cam.Lat,
			"lon":       cam.Lon,
		})
		if err != nil {
			return fmt.Errorf("failed to register camera: %w", err)
		}

		logger.Debug("Camera registered", zap.String("camera_id", cam.CameraID), zap.String("zone", cam.Zone))
		return nil
	})
}

// SetAdjacent records that a person can walk between two cameras' fields of
// view. Undirected: one edge serves both directions.
func (g *Graph) SetAdjacent(ctx context.Context, cameraA, cameraB string, walkSeconds int) error {
	return g.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (a:Camera {camera_id: $camera_a})
			MATCH (b:Camera {camera_id: $camera_b})
			MERGE (a)-[r:ADJACENT]-(b)
			SET r.walk_seconds = $walk_seconds,
			    r.updated_at = timestamp()
		`
		_, err := session.Run(ctx, query, map[string]interface{}{
			"camera_a":     cameraA,
			"camera_b":     cameraB,
			"walk_seconds": walkSeconds,
		})
		if err != nil {
			return fmt.Errorf("failed to set adjacency: %w", err)
		}

		logger.Debug("Camera adjacency set",
			zap.String("camera_a", cameraA),
			zap.String("camera_b", cameraB),
			zap.Int("walk_seconds", walkSeconds),
		)
		return nil
	})
}

// AdjacentCameras lists the cameras reachable from cameraID. An empty list
// means the camera is unknown or isolated.
func (g *Graph) AdjacentCameras(ctx context.Context, cameraID string) ([]string, error) {
	var adjacent []string

	err := g.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (c:Camera {camera_id: $camera_id})-[:ADJACENT]-(n:Camera)
			RETURN n.camera_id
			ORDER BY n.camera_id
		`
		result, err := session.Run(ctx, query, map[string]interface{}{
			"camera_id": cameraID,
		})
		if err != nil {
			return fmt.Errorf("failed to query adjacency: %w", err)
		}

		adjacent = adjacent[:0]
		for result.Next(ctx) {
			record := result.Record()
			id, _ := record.Get("n.camera_id")
			if s, ok := id.(string); ok {
				adjacent = append(adjacent, s)
			}
		}
		if err := result.Err(); err != nil {
			return fmt.Errorf("error iterating adjacency results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return adjacent, nil
}

// Cameras lists every registered camera.
func (g *Graph) Cameras(ctx context.Context) ([]Camera, error) {
	var cameras []Camera

	err := g.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (c:Camera)
			RETURN c.camera_id, c.zone, c.lat, c.lon
			ORDER BY c.camera_id
		`
		result, err := session.Run(ctx, query, nil)
		if err != nil {
			return fmt.Errorf("failed to list cameras: %w", err)
		}

		cameras = cameras[:0]
		for result.Next(ctx) {
			record := result.Record()
			id, _ := record.Get("c.camera_id")
			zone, _ := record.Get("c.zone")
			lat, _ := record.Get("c.lat")
			lon, _ := record.Get("c.lon")

			cam := Camera{}
			if s, ok := id.(string); ok {
				cam.CameraID = s
			}
			if s, ok := zone.(string); ok {
				cam.Zone = s
			}
			if f, ok := lat.(float64); ok {
				cam.Lat = f
			}
			if f, ok := lon.(float64); ok {
				cam.Lon = f
			}
			cameras = append(cameras, cam)
		}
		if err := result.Err(); err != nil {
			return fmt.Errorf("error iterating cameras: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cameras, nil
}
