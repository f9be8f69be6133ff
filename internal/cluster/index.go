package cluster

import (
	"fmt"
	"math"
	"sort"

	"github.com/dhconnelly/rtreego"

	"github.com/example/agromatch/internal/models"
)

const (
	pointTolerance = 1e-9
	dimensions     = 2
	minChildren    = 25
	maxChildren    = 50
)

// Point is one input location; ID is carried through to leaf features.
type Point struct {
	ID       string          `json:"id"`
	Location models.GeoPoint `json:"location"`
}

type FeatureType string

const (
	FeatureCluster FeatureType = "cluster"
	FeatureLeaf    FeatureType = "leaf"
)

// Feature is either an aggregated cluster or a single input point.
// ClusterID is only meaningful for clusters, SourceID only for leaves.
type Feature struct {
	Type      FeatureType     `json:"type"`
	ClusterID int             `json:"cluster_id,omitempty"`
	Count     int             `json:"count"`
	Point     models.GeoPoint `json:"point"`
	SourceID  string          `json:"source_id,omitempty"`

	source int
}

// node is shared between zoom levels while building; x and y are projected
// to the unit square. Leaves use their input index as id, clusters use an
// encoded id that is always >= the number of inputs.
type node struct {
	x, y      float64
	zoom      int
	id        int
	source    int
	parentID  int
	numPoints int
}

func (n *node) Bounds() rtreego.Rect {
	return rtreego.Point{n.x, n.y}.ToRect(pointTolerance)
}

type level struct {
	nodes []*node
	tree  *rtreego.Rtree
}

func newLevel(nodes []*node) *level {
	objs := make([]rtreego.Spatial, len(nodes))
	for i, n := range nodes {
		objs[i] = n
	}
	return &level{nodes: nodes, tree: rtreego.NewTree(dimensions, minChildren, maxChildren, objs...)}
}

// rangeSearch returns the nodes inside the projected rectangle, ordered by id.
func (l *level) rangeSearch(minX, minY, maxX, maxY float64) []*node {
	rect, err := rtreego.NewRectFromPoints(
		rtreego.Point{minX - pointTolerance, minY - pointTolerance},
		rtreego.Point{maxX + pointTolerance, maxY + pointTolerance},
	)
	if err != nil {
		return nil
	}
	hits := l.tree.SearchIntersect(rect)
	out := make([]*node, 0, len(hits))
	for _, h := range hits {
		n := h.(*node)
		if n.x < minX || n.x > maxX || n.y < minY || n.y > maxY {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (l *level) within(x, y, r float64) []*node {
	found := l.rangeSearch(x-r, y-r, x+r, y+r)
	out := found[:0]
	r2 := r * r
	for _, n := range found {
		dx, dy := n.x-x, n.y-y
		if dx*dx+dy*dy <= r2 {
			out = append(out, n)
		}
	}
	return out
}

// Index is an immutable cluster hierarchy. All methods are safe for
// concurrent use.
type Index struct {
	opts   Options
	points []Point
	levels []*level
}

// New clusters points for every zoom in [opts.MinZoom, opts.MaxZoom].
func New(points []Point, opts Options) (*Index, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	leaves := make([]*node, len(points))
	for i, p := range points {
		if err := p.Location.Validate(); err != nil {
			return nil, fmt.Errorf("point %d (%s): %w: %w", i, p.ID, models.ErrInvalidCriteria, err)
		}
		leaves[i] = &node{
			x:         lngX(p.Location.Lon),
			y:         latY(p.Location.Lat),
			zoom:      math.MaxInt,
			id:        i,
			source:    i,
			parentID:  -1,
			numPoints: 1,
		}
	}

	idx := &Index{
		opts:   opts,
		points: append([]Point(nil), points...),
		levels: make([]*level, opts.MaxZoom+2),
	}
	idx.levels[opts.MaxZoom+1] = newLevel(leaves)

	current := leaves
	for z := opts.MaxZoom; z >= opts.MinZoom; z-- {
		current = idx.clusterLevel(current, z)
		idx.levels[z] = newLevel(current)
	}
	return idx, nil
}

// clusterLevel greedily merges each unclaimed node with its unclaimed
// neighbours within the zoom's radius. points must be the node list of
// levels[zoom+1] so that origin indexes stay decodable.
func (idx *Index) clusterLevel(points []*node, zoom int) []*node {
	r := idx.radiusAt(zoom)
	prev := idx.levels[zoom+1]
	n := len(idx.points)
	next := make([]*node, 0, len(points))

	for i, p := range points {
		if p.zoom <= zoom {
			continue
		}
		p.zoom = zoom

		neighbors := prev.within(p.x, p.y, r)
		origin := p.numPoints
		total := origin
		for _, nb := range neighbors {
			if nb.zoom > zoom {
				total += nb.numPoints
			}
		}

		if total > origin && total >= idx.opts.MinPoints {
			wx := p.x * float64(origin)
			wy := p.y * float64(origin)
			id := (i << 5) + (zoom + 1) + n
			for _, nb := range neighbors {
				if nb.zoom <= zoom {
					continue
				}
				nb.zoom = zoom
				wx += nb.x * float64(nb.numPoints)
				wy += nb.y * float64(nb.numPoints)
				nb.parentID = id
			}
			p.parentID = id
			next = append(next, &node{
				x:         wx / float64(total),
				y:         wy / float64(total),
				zoom:      math.MaxInt,
				id:        id,
				source:    -1,
				parentID:  -1,
				numPoints: total,
			})
			continue
		}

		next = append(next, p)
		if total > 1 {
			for _, nb := range neighbors {
				if nb.zoom <= zoom {
					continue
				}
				nb.zoom = zoom
				next = append(next, nb)
			}
		}
	}
	return next
}

func (idx *Index) radiusAt(zoom int) float64 {
	return idx.opts.Radius / (idx.opts.Extent * math.Pow(2, float64(zoom)))
}

func (idx *Index) Options() Options { return idx.opts }

// Len reports the number of input points.
func (idx *Index) Len() int { return len(idx.points) }

func (idx *Index) limitZoom(zoom int) int {
	return max(idx.opts.MinZoom, min(zoom, idx.opts.MaxZoom+1))
}

// Query returns the features at zoom whose position falls inside bbox.
// A box with MinLon > MaxLon crosses the antimeridian.
func (idx *Index) Query(bbox models.BoundingBox, zoom int) ([]Feature, error) {
	if zoom < 0 {
		return nil, fmt.Errorf("zoom %d must be >= 0: %w", zoom, models.ErrInvalidCriteria)
	}
	if bbox.MinLat > bbox.MaxLat || anyNaN(bbox.MinLat, bbox.MaxLat, bbox.MinLon, bbox.MaxLon) {
		return nil, fmt.Errorf("malformed bbox %+v: %w", bbox, models.ErrInvalidCriteria)
	}

	minLat := math.Max(-90, math.Min(90, bbox.MinLat))
	maxLat := math.Max(-90, math.Min(90, bbox.MaxLat))
	minLon := normalizeLon(bbox.MinLon)
	maxLon := 180.0
	if bbox.MaxLon != 180 {
		maxLon = normalizeLon(bbox.MaxLon)
	}
	if bbox.MaxLon-bbox.MinLon >= 360 {
		minLon, maxLon = -180, 180
	}

	lvl := idx.levels[idx.limitZoom(zoom)]
	top, bottom := latY(maxLat), latY(minLat)
	var nodes []*node
	if minLon > maxLon {
		nodes = append(lvl.rangeSearch(lngX(minLon), top, 1, bottom), lvl.rangeSearch(0, top, lngX(maxLon), bottom)...)
	} else {
		nodes = lvl.rangeSearch(lngX(minLon), top, lngX(maxLon), bottom)
	}
	return idx.features(nodes), nil
}

// Expand returns the immediate children of a cluster, one zoom finer.
func (idx *Index) Expand(clusterID int) ([]Feature, error) {
	kids, err := idx.children(clusterID)
	if err != nil {
		return nil, err
	}
	return idx.features(kids), nil
}

// LeavesOf pages through the input points under a cluster. A limit <= 0
// returns every remaining leaf.
func (idx *Index) LeavesOf(clusterID, limit, offset int) ([]Feature, error) {
	if offset < 0 {
		return nil, fmt.Errorf("offset %d must be >= 0: %w", offset, models.ErrInvalidCriteria)
	}
	var out []Feature
	if _, err := idx.appendLeaves(&out, clusterID, limit, offset, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func (idx *Index) appendLeaves(out *[]Feature, clusterID, limit, offset, skipped int) (int, error) {
	kids, err := idx.children(clusterID)
	if err != nil {
		return skipped, err
	}
	for _, child := range kids {
		switch {
		case child.source < 0:
			if skipped+child.numPoints <= offset {
				skipped += child.numPoints
			} else if skipped, err = idx.appendLeaves(out, child.id, limit, offset, skipped); err != nil {
				return skipped, err
			}
		case skipped < offset:
			skipped++
		default:
			*out = append(*out, idx.feature(child))
		}
		if limit > 0 && len(*out) >= limit {
			break
		}
	}
	return skipped, nil
}

// ExpansionZoom is the smallest zoom at which the cluster splits into more
// than one feature.
func (idx *Index) ExpansionZoom(clusterID int) (int, error) {
	_, originZoom, ok := idx.decode(clusterID)
	if !ok {
		return 0, fmt.Errorf("cluster %d: %w", clusterID, models.ErrClusterNotFound)
	}
	zoom := originZoom - 1
	id := clusterID
	for zoom <= idx.opts.MaxZoom {
		kids, err := idx.children(id)
		if err != nil {
			return 0, err
		}
		zoom++
		if len(kids) != 1 || kids[0].source >= 0 {
			break
		}
		id = kids[0].id
	}
	return zoom, nil
}

func (idx *Index) children(clusterID int) ([]*node, error) {
	originIndex, originZoom, ok := idx.decode(clusterID)
	if !ok {
		return nil, fmt.Errorf("cluster %d: %w", clusterID, models.ErrClusterNotFound)
	}
	lvl := idx.levels[originZoom]
	origin := lvl.nodes[originIndex]
	var out []*node
	for _, nb := range lvl.within(origin.x, origin.y, idx.radiusAt(originZoom-1)) {
		if nb.parentID == clusterID {
			out = append(out, nb)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("cluster %d: %w", clusterID, models.ErrClusterNotFound)
	}
	return out, nil
}

// decode splits a cluster id into the position of its origin node and the
// zoom level that node lives in.
func (idx *Index) decode(clusterID int) (originIndex, originZoom int, ok bool) {
	v := clusterID - len(idx.points)
	if v < 0 {
		return 0, 0, false
	}
	originZoom = v % 32
	originIndex = v >> 5
	if originZoom < idx.opts.MinZoom+1 || originZoom > idx.opts.MaxZoom+1 {
		return 0, 0, false
	}
	if originIndex >= len(idx.levels[originZoom].nodes) {
		return 0, 0, false
	}
	return originIndex, originZoom, true
}

func (idx *Index) feature(n *node) Feature {
	if n.source >= 0 {
		p := idx.points[n.source]
		return Feature{Type: FeatureLeaf, Count: 1, Point: p.Location, SourceID: p.ID, source: n.source}
	}
	return Feature{
		Type:      FeatureCluster,
		ClusterID: n.id,
		Count:     n.numPoints,
		Point:     models.GeoPoint{Lat: yLat(n.y), Lon: xLng(n.x)},
		source:    -1,
	}
}

// features converts nodes and orders them clusters first, then leaves,
// each by id.
func (idx *Index) features(nodes []*node) []Feature {
	out := make([]Feature, len(nodes))
	for i, n := range nodes {
		out[i] = idx.feature(n)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Type != b.Type {
			return a.Type == FeatureCluster
		}
		if a.Type == FeatureCluster {
			return a.ClusterID < b.ClusterID
		}
		return a.source < b.source
	})
	return out
}

func lngX(lon float64) float64 {
	return lon/360 + 0.5
}

func latY(lat float64) float64 {
	s := math.Sin(lat * math.Pi / 180)
	y := 0.5 - 0.25*math.Log((1+s)/(1-s))/math.Pi
	switch {
	case y < 0:
		return 0
	case y > 1:
		return 1
	}
	return y
}

func xLng(x float64) float64 {
	return (x - 0.5) * 360
}

func yLat(y float64) float64 {
	y2 := (180 - y*360) * math.Pi / 180
	return 360*math.Atan(math.Exp(y2))/math.Pi - 90
}

func normalizeLon(lon float64) float64 {
	return math.Mod(math.Mod(lon+180, 360)+360, 360) - 180
}

func anyNaN(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
