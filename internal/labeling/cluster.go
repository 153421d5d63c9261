package labeling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/opensource-finance/credrisk/internal/domain"
	"github.com/opensource-finance/credrisk/internal/features"
)

// Labeler assigns a proxy risk label to each scored customer.
type Labeler interface {
	Label(ctx context.Context, scores []domain.BehavioralScore) ([]domain.ProxyLabel, error)
}

// New builds the labeler selected by cfg.Method.
func New(cfg domain.LabelingConfig) (Labeler, error) {
	switch cfg.Method {
	case domain.LabelByCluster, "":
		return &ClusterLabeler{Clusters: cfg.Clusters, NInit: cfg.NInit, Seed: cfg.Seed}, nil
	case domain.LabelByThreshold:
		return NewThresholdLabeler(cfg.Expression)
	default:
		return nil, fmt.Errorf("%w: unknown labeling method %q", domain.ErrValidation, cfg.Method)
	}
}

// ClusterStat summarizes one cluster on unscaled RFM values.
type ClusterStat struct {
	Cluster   int     `json:"cluster"`
	Size      int     `json:"size"`
	Recency   float64 `json:"recency"`
	Frequency float64 `json:"frequency"`
	Monetary  float64 `json:"monetary"`
}

// Assignment is the full outcome of cluster labeling.
type Assignment struct {
	Labels          []domain.ProxyLabel
	Clusters        []int
	HighRiskCluster int
	// Stats is ordered from most to least risky.
	Stats []ClusterStat
}

// ClusterLabeler segments customers with k-means on standardized RFM values
// and labels the least engaged segment as high risk.
type ClusterLabeler struct {
	Clusters int
	NInit    int
	Seed     int64
}

var rfmFeatures = []string{"recency", "frequency", "monetary"}

// Label implements Labeler.
func (l *ClusterLabeler) Label(ctx context.Context, scores []domain.BehavioralScore) ([]domain.ProxyLabel, error) {
	profiles := make([]domain.CustomerProfile, len(scores))
	for i, s := range scores {
		profiles[i] = s.CustomerProfile
	}
	a, err := l.Assign(ctx, profiles)
	if err != nil {
		return nil, err
	}
	return a.Labels, nil
}

// Assign clusters profiles and picks the high-risk cluster: highest mean
// recency, then lowest mean frequency, then lowest mean monetary.
func (l *ClusterLabeler) Assign(ctx context.Context, profiles []domain.CustomerProfile) (*Assignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(profiles) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 customers to cluster, got %d", domain.ErrInsufficientData, len(profiles))
	}

	raw := make([][]float64, len(profiles))
	for i, p := range profiles {
		raw[i] = []float64{float64(p.Recency), float64(p.Frequency), p.Monetary}
	}

	scaled, err := features.NewPreprocessor(rfmFeatures).FitTransform(raw)
	if err != nil {
		return nil, err
	}

	k := l.Clusters
	if k == 0 {
		k = 3
	}
	km := NewKMeans(k, l.Seed)
	if l.NInit > 0 {
		km.NInit = l.NInit
	}
	res, err := km.Fit(scaled)
	if err != nil {
		return nil, err
	}
	if res.K < 2 {
		return nil, fmt.Errorf("%w: only %d distinct cluster(s) found", domain.ErrInsufficientData, res.K)
	}

	stats := make([]ClusterStat, res.K)
	for c := range stats {
		stats[c].Cluster = c
	}
	for i, c := range res.Labels {
		stats[c].Size++
		stats[c].Recency += raw[i][0]
		stats[c].Frequency += raw[i][1]
		stats[c].Monetary += raw[i][2]
	}
	for c := range stats {
		n := float64(stats[c].Size)
		stats[c].Recency /= n
		stats[c].Frequency /= n
		stats[c].Monetary /= n
	}

	sort.SliceStable(stats, func(i, j int) bool {
		a, b := stats[i], stats[j]
		if a.Recency != b.Recency {
			return a.Recency > b.Recency
		}
		if a.Frequency != b.Frequency {
			return a.Frequency < b.Frequency
		}
		return a.Monetary < b.Monetary
	})
	high := stats[0].Cluster

	labels := make([]domain.ProxyLabel, len(profiles))
	positives := 0
	for i, p := range profiles {
		labels[i] = domain.ProxyLabel{CustomerID: p.CustomerID}
		if res.Labels[i] == high {
			labels[i].IsHighRisk = 1
			positives++
		}
	}

	slog.Debug("proxy labels assigned",
		"clusters", res.K,
		"high_risk_cluster", high,
		"high_risk_customers", positives,
		"customers", len(profiles),
	)

	return &Assignment{
		Labels:          labels,
		Clusters:        res.Labels,
		HighRiskCluster: high,
		Stats:           stats,
	}, nil
}
