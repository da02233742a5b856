// Package seed bootstraps the default model price catalog so a fresh
// deployment can estimate and route without manual pricing setup.
package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	pricingdomain "github.com/smallbiznis/ptmeter/internal/pricing/domain"
	"gorm.io/gorm"
)

var defaultPrices = []pricingdomain.ModelPrice{
	{Model: "core-mini", Class: pricingdomain.CostClassCore, InputUSDPerMillion: 0.15, OutputUSDPerMillion: 0.60},
	{Model: "core-standard", Class: pricingdomain.CostClassCore, InputUSDPerMillion: 0.25, OutputUSDPerMillion: 1.25},
	{Model: "advanced-standard", Class: pricingdomain.CostClassAdvanced, InputUSDPerMillion: 3.0, OutputUSDPerMillion: 15.0},
	{Model: "advanced-max", Class: pricingdomain.CostClassAdvanced, InputUSDPerMillion: 15.0, OutputUSDPerMillion: 75.0},
}

// EnsureDefaultPrices inserts the starter catalog. Models already priced,
// at any version, are left untouched.
func EnsureDefaultPrices(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, price := range defaultPrices {
			var count int64
			if err := tx.Model(&pricingdomain.ModelPrice{}).
				Where("model = ?", price.Model).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				continue
			}

			price.ID = node.Generate()
			price.Version = 1
			price.Active = true
			if err := tx.Create(&price).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
