package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ptmeter/internal/clock"
	"github.com/smallbiznis/ptmeter/internal/config"
	obsmetrics "github.com/smallbiznis/ptmeter/internal/observability/metrics"
	pricingdomain "github.com/smallbiznis/ptmeter/internal/pricing/domain"
	"github.com/smallbiznis/ptmeter/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// snapshot is an immutable view of the pricing table. Readers never mutate
// it; refreshes swap the whole value.
type snapshot struct {
	prices      map[string]pricingdomain.Price
	refreshedAt time.Time
}

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Metering   *config.MeteringConfigHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	metering   *config.MeteringConfigHolder
	pricerepo  repository.Repository[pricingdomain.ModelPrice]
	obsMetrics *obsmetrics.Metrics

	current   atomic.Value // holds *snapshot
	refreshMu sync.Mutex
}

func NewService(p ServiceParam) pricingdomain.Service {
	s := &Service{
		db:  p.DB,
		log: p.Log.Named("pricing.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		metering:   p.Metering,
		pricerepo:  repository.ProvideStore[pricingdomain.ModelPrice](p.DB),
		obsMetrics: p.ObsMetrics,
	}
	s.current.Store(&snapshot{prices: map[string]pricingdomain.Price{}})
	return s
}

// Resolve returns unit prices for a model. The second return reports whether
// the model was found; callers get Core defaults otherwise.
func (s *Service) Resolve(ctx context.Context, model string) (pricingdomain.Price, bool) {
	model = strings.TrimSpace(model)
	snap := s.ensureFresh(ctx)

	if price, ok := snap.prices[model]; ok {
		return price, true
	}

	s.log.Warn("unknown model, falling back to core pricing", zap.String("model", model))
	return pricingdomain.DefaultCorePrice, false
}

// CheapestCore picks the lowest-input-cost active Core model; used by the
// emergency override.
func (s *Service) CheapestCore(ctx context.Context) pricingdomain.Price {
	snap := s.ensureFresh(ctx)

	cheapest := pricingdomain.DefaultCorePrice
	found := false
	for _, price := range snap.prices {
		if price.Class != pricingdomain.CostClassCore {
			continue
		}
		if !found || price.InputUSDPerMillion < cheapest.InputUSDPerMillion {
			cheapest = price
			found = true
		}
	}
	return cheapest
}

func (s *Service) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	rows, err := s.pricerepo.Find(ctx, &pricingdomain.ModelPrice{Active: true})
	if err != nil {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordPricingRefresh(ctx, "error")
		}
		return err
	}

	// highest version wins when multiple active rows exist for a model
	prices := make(map[string]pricingdomain.Price, len(rows))
	versions := make(map[string]int, len(rows))
	for _, row := range rows {
		if v, ok := versions[row.Model]; ok && row.Version <= v {
			continue
		}
		versions[row.Model] = row.Version
		prices[row.Model] = pricingdomain.Price{
			Model:               row.Model,
			Class:               row.Class,
			InputUSDPerMillion:  row.InputUSDPerMillion,
			OutputUSDPerMillion: row.OutputUSDPerMillion,
		}
	}

	s.current.Store(&snapshot{prices: prices, refreshedAt: s.clock.Now()})
	if s.obsMetrics != nil {
		s.obsMetrics.RecordPricingRefresh(ctx, "ok")
	}
	return nil
}

func (s *Service) Upsert(ctx context.Context, req pricingdomain.UpsertRequest) (*pricingdomain.ModelPrice, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return nil, pricingdomain.ErrInvalidModel
	}
	class, err := pricingdomain.ParseCostClass(req.Class)
	if err != nil {
		return nil, err
	}
	if req.InputUSDPerMillion <= 0 || req.OutputUSDPerMillion <= 0 {
		return nil, pricingdomain.ErrInvalidUnitPrice
	}

	now := s.clock.Now()
	row := &pricingdomain.ModelPrice{
		ID:                  s.genID.Generate(),
		Model:               model,
		Class:               class,
		InputUSDPerMillion:  req.InputUSDPerMillion,
		OutputUSDPerMillion: req.OutputUSDPerMillion,
		Version:             1,
		Active:              true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest pricingdomain.ModelPrice
		result := tx.Where("model = ? AND active = ?", model, true).
			Order("version DESC").
			Limit(1).
			Find(&latest)
		if result.Error != nil {
			return result.Error
		}
		if latest.ID != 0 {
			row.Version = latest.Version + 1
			if err := tx.Model(&pricingdomain.ModelPrice{}).
				Where("model = ? AND active = ?", model, true).
				Update("active", false).Error; err != nil {
				return err
			}
		}
		return tx.Create(row).Error
	})
	if err != nil {
		return nil, err
	}

	// Swap the snapshot eagerly so price changes take effect without
	// waiting out the staleness window.
	if err := s.Refresh(ctx); err != nil {
		s.log.Warn("pricing refresh after upsert failed", zap.Error(err))
	}
	return row, nil
}

func (s *Service) List(ctx context.Context) ([]pricingdomain.ModelPrice, error) {
	rows, err := s.pricerepo.Find(ctx, &pricingdomain.ModelPrice{Active: true})
	if err != nil {
		return nil, err
	}
	out := make([]pricingdomain.ModelPrice, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	return out, nil
}

// ensureFresh returns the current snapshot, refreshing it when older than the
// configured staleness window. A failed refresh keeps serving the cached
// snapshot; pricing staleness must never block a request.
func (s *Service) ensureFresh(ctx context.Context) *snapshot {
	snap := s.current.Load().(*snapshot)

	staleness := time.Duration(s.metering.Get().PricingStalenessMinute) * time.Minute
	if staleness <= 0 {
		staleness = time.Hour
	}
	if !snap.refreshedAt.IsZero() && s.clock.Now().Sub(snap.refreshedAt) < staleness {
		return snap
	}

	if err := s.Refresh(ctx); err != nil {
		s.log.Warn("pricing refresh failed, serving cached snapshot",
			zap.Error(err),
			zap.Time("refreshed_at", snap.refreshedAt),
		)
		return snap
	}
	return s.current.Load().(*snapshot)
}
