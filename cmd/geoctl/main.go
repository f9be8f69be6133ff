// Command geoctl runs the geo engine from the shell: distances, bounding
// boxes, offline matching and clustering over JSON files, and OSRM routes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/agromatch/internal/cluster"
	"github.com/example/agromatch/internal/geo"
	"github.com/example/agromatch/internal/matcher"
	"github.com/example/agromatch/internal/models"
	"github.com/example/agromatch/internal/routing"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "geoctl",
		Short:         "Farm marketplace geo engine tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newDistanceCmd(), newBBoxCmd(), newMatchCmd(), newClusterCmd(), newRouteCmd())
	return root
}

func newDistanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "distance LAT1 LON1 LAT2 LON2",
		Short: "Great-circle distance and initial bearing between two points",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, b, err := parsePair(args)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]float64{
				"distance_km": geo.DistanceKm(a, b),
				"bearing_deg": geo.Bearing(a, b),
				"distance_m":  geo.Distance(a, b),
			})
		},
	}
}

func newBBoxCmd() *cobra.Command {
	var radius float64
	cmd := &cobra.Command{
		Use:   "bbox LAT LON",
		Short: "Bounding box around a point",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePoint(args[0], args[1])
			if err != nil {
				return err
			}
			box, err := geo.BoundingBoxAround(p, radius)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), box)
		},
	}
	cmd.Flags().Float64VarP(&radius, "radius", "r", 10, "Radius in km")
	return cmd
}

func newMatchCmd() *cobra.Command {
	var (
		subjectFile    string
		candidatesFile string
		maxKm          float64
		minRating      float64
		crops          []string
		limit          int
	)
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Rank candidates from a JSON file against a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			var subject models.UserProfile
			if err := readJSON(subjectFile, &subject); err != nil {
				return err
			}
			var candidates []models.UserProfile
			if err := readJSON(candidatesFile, &candidates); err != nil {
				return err
			}
			criteria := models.MatchingCriteria{PreferredCrops: crops, Limit: limit}
			if cmd.Flags().Changed("max-km") {
				criteria.MaxDistanceKm = &maxKm
			}
			if cmd.Flags().Changed("min-rating") {
				criteria.MinRating = &minRating
			}
			results, err := matcher.Rank(subject, candidates, criteria)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().StringVarP(&subjectFile, "subject", "s", "", "Subject profile JSON file")
	cmd.Flags().StringVarP(&candidatesFile, "candidates", "c", "", "Candidate profiles JSON file")
	cmd.Flags().Float64Var(&maxKm, "max-km", 0, "Maximum distance in km")
	cmd.Flags().Float64Var(&minRating, "min-rating", 0, "Minimum average rating")
	cmd.Flags().StringSliceVar(&crops, "crops", nil, "Preferred crop tags")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum results")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("candidates")
	return cmd
}

func newClusterCmd() *cobra.Command {
	var (
		pointsFile string
		zoom       int
		bbox       string
		opts       = cluster.DefaultOptions()
	)
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster points from a JSON file and print GeoJSON for one zoom",
		RunE: func(cmd *cobra.Command, args []string) error {
			var points []cluster.Point
			if err := readJSON(pointsFile, &points); err != nil {
				return err
			}
			idx, err := cluster.New(points, opts)
			if err != nil {
				return err
			}
			box := models.BoundingBox{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}
			if bbox != "" {
				v, err := parseFloats(strings.Split(bbox, ","))
				if err != nil || len(v) != 4 {
					return fmt.Errorf("bbox %q must be minLon,minLat,maxLon,maxLat: %w", bbox, models.ErrInvalidCriteria)
				}
				box = models.BoundingBox{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}
			}
			features, err := idx.Query(box, zoom)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), cluster.ToGeoJSON(features))
		},
	}
	cmd.Flags().StringVarP(&pointsFile, "points", "p", "", "Points JSON file ([{id, location:{lat,lon}}])")
	cmd.Flags().IntVarP(&zoom, "zoom", "z", 0, "Zoom level")
	cmd.Flags().StringVar(&bbox, "bbox", "", "minLon,minLat,maxLon,maxLat (default world)")
	cmd.Flags().Float64Var(&opts.Radius, "radius", opts.Radius, "Cluster radius in pixels")
	cmd.Flags().IntVar(&opts.MaxZoom, "max-zoom", opts.MaxZoom, "Maximum zoom that clusters")
	cmd.Flags().IntVar(&opts.MinPoints, "min-points", opts.MinPoints, "Minimum points per cluster")
	_ = cmd.MarkFlagRequired("points")
	return cmd
}

func newRouteCmd() *cobra.Command {
	var (
		endpoint string
		timeout  time.Duration
		speed    float64
	)
	cmd := &cobra.Command{
		Use:   "route LAT1 LON1 LAT2 LON2",
		Short: "Road route through OSRM; prints a degraded straight-line estimate if none exists",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, b, err := parsePair(args)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			route, err := routing.NewOSRMClient(endpoint, timeout).Route(ctx, a, b)
			if err == nil {
				return writeJSON(cmd.OutOrStdout(), route)
			}
			if errors.Is(err, models.ErrRouteUnavailable) || errors.Is(err, models.ErrProviderTimeout) {
				_ = writeJSON(cmd.OutOrStdout(), map[string]any{
					"state":    "route_unavailable",
					"fallback": routing.StraightLine(a, b, speed),
				})
			}
			return err
		},
	}
	cmd.Flags().StringVar(&endpoint, "osrm", "https://router.project-osrm.org", "OSRM base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall request timeout")
	cmd.Flags().Float64Var(&speed, "speed", 8, "Fallback speed in m/s")
	return cmd
}

func parsePair(args []string) (models.GeoPoint, models.GeoPoint, error) {
	a, err := parsePoint(args[0], args[1])
	if err != nil {
		return models.GeoPoint{}, models.GeoPoint{}, err
	}
	b, err := parsePoint(args[2], args[3])
	if err != nil {
		return models.GeoPoint{}, models.GeoPoint{}, err
	}
	return a, b, nil
}

func parsePoint(lat, lon string) (models.GeoPoint, error) {
	v, err := parseFloats([]string{lat, lon})
	if err != nil {
		return models.GeoPoint{}, err
	}
	p := models.GeoPoint{Lat: v[0], Lon: v[1]}
	if err := p.Validate(); err != nil {
		return models.GeoPoint{}, err
	}
	return p, nil
}

func parseFloats(raw []string) ([]float64, error) {
	out := make([]float64, len(raw))
	for i, s := range raw {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number: %w", s, models.ErrInvalidCriteria)
		}
		out[i] = f
	}
	return out, nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
