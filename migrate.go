package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Platform is the set of Metabase operations the migrator needs.
type Platform interface {
	CatalogSource
	FieldGetter
	GetCollection(ctx context.Context, id int64) (Collection, error)
	ListCollectionItems(ctx context.Context, id int64) ([]Item, error)
	GetCard(ctx context.Context, id int64) (*Card, error)
	PutCard(ctx context.Context, id int64, card *Card) error
	CopyCollectionTree(ctx context.Context, sourceID, destParentID int64) error
}

// MigrateOptions are the per-run settings resolved from flags and config.
type MigrateOptions struct {
	Category              Category // zero: inferred from the collection name
	DatabaseID            int64
	Schema                string
	Workers               int
	DryRun                bool
	AllowUnresolvedFields bool
}

// Migrator clones collections and retargets their cards.
type Migrator struct {
	platform Platform
	catalog  CatalogSource
	opts     MigrateOptions
	logger   *zap.Logger
}

// newMigrator returns a Migrator. catalog may be nil, in which case the
// destination catalog is read through the platform API.
func newMigrator(platform Platform, catalog CatalogSource, opts MigrateOptions, logger *zap.Logger) *Migrator {
	if catalog == nil {
		catalog = platform
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers()
	}
	if opts.Schema == "" {
		opts.Schema = defaultSchema
	}
	return &Migrator{platform: platform, catalog: catalog, opts: opts, logger: logger}
}

// clone deep-copies sourceID under destParentID, then retags and rebinds
// every card of the copy to the run's category and database.
//
// Everything that can fail for the whole batch (category, catalog, target
// table) is settled before the copy is made, so a failed run leaves no
// half-migrated clone behind.
func (m *Migrator) clone(ctx context.Context, sourceID, destParentID int64) (*MigrationReport, error) {
	if sourceID == destParentID {
		return nil, fmt.Errorf("%w: %d", ErrSameCollection, sourceID)
	}
	report := &MigrationReport{
		Mode:       "clone",
		SourceID:   sourceID,
		DatabaseID: m.opts.DatabaseID,
		DryRun:     m.opts.DryRun,
		StartedAt:  time.Now(),
	}

	src, err := m.platform.GetCollection(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("get source collection: %w", err)
	}
	category := m.opts.Category
	if category == 0 {
		if category, err = categoryFromCollectionName(src.Name); err != nil {
			return nil, err
		}
	}
	report.Category = category

	m.logger.Info("loading destination catalog",
		zap.Int64("database_id", m.opts.DatabaseID),
		zap.String("schema", m.opts.Schema),
	)
	catalog, err := loadCatalog(ctx, m.catalog, m.opts.DatabaseID, m.opts.Schema)
	if err != nil {
		return nil, err
	}
	m.logger.Info("catalog loaded", zap.Stringer("catalog", catalog))

	table, err := catalog.resolveTable(canonicalTableName(category))
	if err != nil {
		return nil, fmt.Errorf("category %s: %w", category, err)
	}
	report.TableID = table.ID

	mctx := &MigrationContext{
		Category:   category,
		DatabaseID: m.opts.DatabaseID,
		Schema:     m.opts.Schema,
		Catalog:    catalog,
		Table:      table,
		Fields:     newFieldNameCache(m.platform),
		Logger:     m.logger,
	}
	if srcCategory, err := categoryFromCollectionName(src.Name); err == nil {
		mctx.SourceTable = canonicalTableName(srcCategory)
	}

	before, err := m.childCollections(ctx, destParentID)
	if err != nil {
		return nil, fmt.Errorf("list destination collection: %w", err)
	}
	m.logger.Info("copying collection",
		zap.Int64("collection_id", sourceID),
		zap.String("collection", src.Name),
		zap.Int64("parent_id", destParentID),
	)
	if err := m.platform.CopyCollectionTree(ctx, sourceID, destParentID); err != nil {
		return nil, fmt.Errorf("copy collection %d: %w", sourceID, err)
	}
	after, err := m.childCollections(ctx, destParentID)
	if err != nil {
		return nil, fmt.Errorf("list destination collection: %w", err)
	}
	copied, err := locateClone(before, after, src.Name)
	if err != nil {
		return nil, fmt.Errorf("locate copy of %q under collection %d: %w", src.Name, destParentID, err)
	}
	report.CollectionID = copied.ID
	report.Collection = copied.Name
	m.logger.Info("collection copied", zap.Int64("collection_id", copied.ID))

	items, err := m.platform.ListCollectionItems(ctx, copied.ID)
	if err != nil {
		return nil, fmt.Errorf("list items of collection %d: %w", copied.ID, err)
	}
	cards, skipped := cardItems(items)
	report.Skipped = skipped
	report.Cards = m.forEachCard(ctx, cards, func(ctx context.Context, item Item) CardOutcome {
		return m.migrateCard(ctx, item, mctx)
	})
	report.FinishedAt = time.Now()
	return report, nil
}

// setNames retags every card of collectionID without touching queries.
func (m *Migrator) setNames(ctx context.Context, collectionID int64) (*MigrationReport, error) {
	report := &MigrationReport{
		Mode:         "set-names",
		CollectionID: collectionID,
		DryRun:       m.opts.DryRun,
		StartedAt:    time.Now(),
	}

	coll, err := m.platform.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("get collection: %w", err)
	}
	report.Collection = coll.Name
	category := m.opts.Category
	if category == 0 {
		if category, err = categoryFromCollectionName(coll.Name); err != nil {
			return nil, err
		}
	}
	report.Category = category

	items, err := m.platform.ListCollectionItems(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("list items of collection %d: %w", collectionID, err)
	}
	cards, skipped := cardItems(items)
	report.Skipped = skipped
	report.Cards = m.forEachCard(ctx, cards, func(ctx context.Context, item Item) CardOutcome {
		return m.renameCard(ctx, item, category)
	})
	report.FinishedAt = time.Now()
	return report, nil
}

// forEachCard runs fn over items on a bounded pool. Outcomes keep the item
// order. Once ctx is cancelled, cards not yet started are reported Failed.
func (m *Migrator) forEachCard(ctx context.Context, items []Item, fn func(context.Context, Item) CardOutcome) []CardOutcome {
	outcomes := make([]CardOutcome, len(items))
	var g errgroup.Group
	g.SetLimit(m.opts.Workers)
	for i, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = CardOutcome{CardID: item.ID, Name: item.Name, State: StateFailed, Err: err}
				return nil
			}
			outcomes[i] = fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (m *Migrator) migrateCard(ctx context.Context, item Item, mctx *MigrationContext) CardOutcome {
	o := CardOutcome{CardID: item.ID, Name: item.Name}

	card, err := m.platform.GetCard(ctx, item.ID)
	if err != nil {
		o.fail(fmt.Errorf("fetch card: %w", err))
		return o
	}
	o.Name = card.Name
	o.advance(StateFetched)

	o.NewName = tagName(card.Name, mctx.Category)
	o.Renamed = o.NewName != card.Name
	o.advance(StateRenamed)

	renamed := card.clone()
	renamed.Name = o.NewName
	rebound, res, err := rebind(ctx, renamed, mctx)
	if err != nil {
		if errors.Is(err, ErrUnsupportedQueryShape) {
			o.addReview(err.Error())
		}
		o.fail(fmt.Errorf("rebind: %w", err))
		return o
	}
	o.Rebound = true
	o.Unresolved = res.Unresolved
	o.addReview(res.Review...)
	o.advance(StateRebound)

	if len(res.Unresolved) > 0 && !m.opts.AllowUnresolvedFields {
		o.fail(fmt.Errorf("%w: %d field reference(s) unresolved in %s, card not saved",
			ErrFieldNotFound, len(res.Unresolved), mctx.Table.DisplayName))
		return o
	}
	if sameCard(card, rebound) {
		o.Unchanged = true
		return o
	}
	if m.opts.DryRun {
		return o
	}
	if err := m.platform.PutCard(ctx, card.ID, rebound); err != nil {
		o.fail(err)
		return o
	}
	o.advance(StatePersisted)
	m.logger.Debug("card saved",
		zap.String("card", rebound.label()),
		zap.Int("fields_rewritten", res.FieldsRewritten),
		zap.Int("text_replacements", res.TextReplacements),
	)
	return o
}

func (m *Migrator) renameCard(ctx context.Context, item Item, category Category) CardOutcome {
	o := CardOutcome{CardID: item.ID, Name: item.Name}

	card, err := m.platform.GetCard(ctx, item.ID)
	if err != nil {
		o.fail(fmt.Errorf("fetch card: %w", err))
		return o
	}
	o.Name = card.Name
	o.advance(StateFetched)

	o.NewName = tagName(card.Name, category)
	if o.NewName == card.Name {
		o.Unchanged = true
		return o
	}
	o.Renamed = true
	o.advance(StateRenamed)
	if m.opts.DryRun {
		return o
	}

	renamed := card.clone()
	renamed.Name = o.NewName
	if err := m.platform.PutCard(ctx, card.ID, renamed); err != nil {
		o.fail(err)
		return o
	}
	o.advance(StatePersisted)
	return o
}

// childCollections returns the sub-collections of parentID.
func (m *Migrator) childCollections(ctx context.Context, parentID int64) ([]Item, error) {
	items, err := m.platform.ListCollectionItems(ctx, parentID)
	if err != nil {
		return nil, err
	}
	var colls []Item
	for _, it := range items {
		if it.Kind == ItemCollection {
			colls = append(colls, it)
		}
	}
	return colls, nil
}

// locateClone finds the collection created by a copy: the single child
// present after but not before whose name equals name.
func locateClone(before, after []Item, name string) (Item, error) {
	existing := make(map[int64]bool, len(before))
	for _, it := range before {
		existing[it.ID] = true
	}
	var found []Item
	for _, it := range after {
		if !existing[it.ID] && it.Name == name {
			found = append(found, it)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return Item{}, ErrCollectionNotFound
	default:
		return Item{}, fmt.Errorf("%w: %d new collections named %q", ErrCollectionNotFound, len(found), name)
	}
}

// cardItems splits out the card items; other kinds are counted as skipped.
func cardItems(items []Item) ([]Item, int) {
	var cards []Item
	skipped := 0
	for _, it := range items {
		if it.Kind == ItemCard {
			cards = append(cards, it)
		} else {
			skipped++
		}
	}
	return cards, skipped
}

func sameCard(a, b *Card) bool {
	x, err := json.Marshal(a)
	if err != nil {
		return false
	}
	y, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(x, y)
}
