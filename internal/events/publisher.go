package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tesseract-Nexus/go-shared/events"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"products-import-service/internal/models"
)

const (
	// ProductBarcodeReassigned is published when an import moves a barcode between variants
	ProductBarcodeReassigned = "product.barcode_reassigned"

	publishTimeout = 10 * time.Second
)

// productPublisher is the part of the go-shared publisher used here
type productPublisher interface {
	PublishProduct(ctx context.Context, event *events.ProductEvent) error
	Close()
}

// Actor identifies who started an import, for event attribution
type Actor struct {
	ID    string
	Name  string
	Email string
}

type actorKey struct{}

// WithActor attaches the importing user to ctx
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored by WithActor, or the zero Actor
func ActorFrom(ctx context.Context) Actor {
	if ctx == nil {
		return Actor{}
	}
	actor, _ := ctx.Value(actorKey{}).(Actor)
	return actor
}

// Publisher wraps the go-shared events publisher for product import events
type Publisher struct {
	publisher productPublisher
	logger    *logrus.Entry
	source    string
	inflight  sync.WaitGroup
}

// NewPublisher connects to NATS and makes sure the products stream exists
func NewPublisher(natsURL, source string, logger *logrus.Logger) (*Publisher, error) {
	config := events.DefaultPublisherConfig(natsURL)
	config.Name = source

	publisher, err := events.NewPublisher(config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create events publisher: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := publisher.EnsureStream(ctx, events.StreamProducts, []string{"product.>"}); err != nil {
		logger.WithError(err).Warn("Failed to ensure products stream (may already exist)")
	}

	return newPublisher(publisher, source, logger.WithField("component", "products-events")), nil
}

func newPublisher(p productPublisher, source string, logger *logrus.Entry) *Publisher {
	return &Publisher{publisher: p, logger: logger, source: source}
}

// Close waits for queued events and closes the NATS connection
func (p *Publisher) Close() {
	p.inflight.Wait()
	if p.publisher != nil {
		p.publisher.Close()
	}
}

// ProductImported publishes product.created or product.updated for a product an import wrote
func (p *Publisher) ProductImported(ctx context.Context, tenantID string, product *models.Product, created bool) {
	eventType, change := events.ProductUpdated, "updated"
	if created {
		eventType, change = events.ProductCreated, "created"
	}
	event := p.buildProductEvent(ctx, eventType, product, tenantID)
	event.ChangeType = change
	if !created {
		event.NewValue = productValues(product)
	}
	p.publish(event)
}

// BarcodeReassigned publishes product.barcode_reassigned
func (p *Publisher) BarcodeReassigned(ctx context.Context, tenantID, barcode string, donorID, acceptorID uuid.UUID) {
	event := events.NewProductEvent(ProductBarcodeReassigned, tenantID)
	p.attribute(ctx, event)
	event.ChangeType = "barcode_reassigned"
	event.ChangedFields = []string{"barcode"}
	event.OldValue = map[string]interface{}{"barcode": barcode, "variant_id": donorID.String()}
	event.NewValue = map[string]interface{}{"barcode": barcode, "variant_id": acceptorID.String()}
	p.publish(event)
}

func (p *Publisher) buildProductEvent(ctx context.Context, eventType string, product *models.Product, tenantID string) *events.ProductEvent {
	event := events.NewProductEvent(eventType, tenantID)
	p.attribute(ctx, event)
	event.ProductID = product.ID.String()
	event.ProductName = product.Name
	event.Status = string(product.Status)
	if product.ParentSKU != nil {
		event.SKU = *product.ParentSKU
	}
	if product.CategoryID != nil {
		event.CategoryID = *product.CategoryID
	}
	if product.VendorID != nil {
		event.VendorID = *product.VendorID
	}
	return event
}

func (p *Publisher) attribute(ctx context.Context, event *events.ProductEvent) {
	event.SourceID = uuid.New().String()
	actor := ActorFrom(ctx)
	event.ActorID = actor.ID
	event.ActorName = actor.Name
	event.ActorEmail = actor.Email
	if event.ActorID == "" {
		event.ActorID = p.source
	}
}

func productValues(product *models.Product) map[string]interface{} {
	values := map[string]interface{}{
		"name":            product.Name,
		"status":          product.Status,
		"isMadeToMeasure": product.IsMadeToMeasure,
	}
	if product.Brand != nil {
		values["brand"] = *product.Brand
	}
	if product.Description != nil {
		values["description"] = *product.Description
	}
	return values
}

// publish sends the event in the background so a slow broker never stalls a row
func (p *Publisher) publish(event *events.ProductEvent) {
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		fields := logrus.Fields{
			"eventType": event.EventType,
			"productID": event.ProductID,
			"tenantID":  event.TenantID,
		}
		if err := p.publisher.PublishProduct(pubCtx, event); err != nil {
			p.logger.WithFields(fields).WithError(err).Error("Failed to publish product event")
			return
		}
		p.logger.WithFields(fields).Debug("Product event published")
	}()
}
