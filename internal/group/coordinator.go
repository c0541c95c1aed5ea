package group

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quickclinic/booking-platform/internal/consultation"
)

var tracer = otel.Tracer("quickclinic.internal.group")

// GSTLineTitle labels the single combined tax line in aggregate breakdowns.
const GSTLineTitle = "GST"

// statusPrecedence orders member statuses by "most complete" for the group's
// displayed status. Earlier wins.
var statusPrecedence = []consultation.Status{
	consultation.StatusCheckedOut,
	consultation.StatusConsultEnd,
	consultation.StatusConsultStart,
	consultation.StatusCheckedIn,
	consultation.StatusOutstanding,
}

// View is the aggregate presentation of one grouped booking.
type View struct {
	GroupID          uuid.UUID                    `json:"group_id"`
	Status           consultation.Status          `json:"status"`
	Members          []*consultation.Record       `json:"members"`
	TotalCents       int64                        `json:"total_cents"`
	BalanceCents     int64                        `json:"balance_cents"`
	PaymentBreakdown []consultation.BreakdownItem `json:"payment_breakdown"`
}

// store is the slice of the consultation repository the coordinator reads.
type store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*consultation.Record, error)
	ListByGroup(ctx context.Context, groupID uuid.UUID) ([]*consultation.Record, error)
	NextGroupIndex(ctx context.Context, groupID uuid.UUID) (int, error)
	Save(ctx context.Context, rec *consultation.Record) error
	CreateGroup(ctx context.Context, recs []*consultation.Record) error
}

// Coordinator derives aggregate group views and handles mid-session member
// additions.
type Coordinator struct {
	store        store
	gstRateBasis int64
	now          func() time.Time
}

// NewCoordinator creates a coordinator. gstRateBasis is the combined tax rate
// in basis points (1000 = 10%).
func NewCoordinator(store store, gstRateBasis int) *Coordinator {
	if gstRateBasis <= 0 {
		gstRateBasis = 1000
	}
	return &Coordinator{
		store:        store,
		gstRateBasis: int64(gstRateBasis),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Aggregate builds the group view: representative status, summed totals, and
// the recomputed combined-tax breakdown.
func (c *Coordinator) Aggregate(ctx context.Context, groupID uuid.UUID) (*View, error) {
	ctx, span := tracer.Start(ctx, "group.aggregate")
	defer span.End()
	span.SetAttributes(attribute.String("group.id", groupID.String()))

	members, err := c.store.ListByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, consultation.ErrNotFound
	}

	view := &View{
		GroupID: groupID,
		Status:  RepresentativeStatus(members),
		Members: members,
	}
	for _, m := range members {
		view.TotalCents += m.TotalCents
		view.BalanceCents += m.BalanceCents
	}
	view.PaymentBreakdown = CombineBreakdowns(members, c.gstRateBasis)
	return view, nil
}

// AddMember appends a family member to an in-flight group booking. The new
// record takes the next index and inherits the first member's branch,
// address, and corporate code.
func (c *Coordinator) AddMember(ctx context.Context, groupID, accountID, createdBy uuid.UUID, totalCents int64, breakdown []consultation.BreakdownItem) (*consultation.Record, error) {
	ctx, span := tracer.Start(ctx, "group.add_member")
	defer span.End()

	members, err := c.store.ListByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, consultation.ErrNotFound
	}
	first := members[0]

	index, err := c.store.NextGroupIndex(ctx, groupID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	rec := &consultation.Record{
		ID:            uuid.New(),
		VisitType:     first.VisitType,
		AccountID:     accountID,
		CreatedBy:     createdBy,
		GroupID:       &groupID,
		GroupIndex:    index,
		BranchID:      first.BranchID,
		Address:       first.Address,
		CorporateCode: first.CorporateCode,
		Status:        consultation.StatusPrepayment,
		TotalCents:    totalCents,
		BalanceCents:  totalCents,
		Breakdown:     breakdown,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.CreateGroup(ctx, []*consultation.Record{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

// RepresentativeStatus picks the group's displayed status: the most complete
// member's status by precedence, falling back to the first member.
func RepresentativeStatus(members []*consultation.Record) consultation.Status {
	for _, candidate := range statusPrecedence {
		for _, m := range members {
			if m.Status == candidate {
				return candidate
			}
		}
	}
	return members[0].Status
}

// CombineBreakdowns sums member line-items by title and re-applies one
// combined tax line computed on the summed pre-tax total. Summing per-member
// tax lines instead would drift by a cent per member on odd amounts.
func CombineBreakdowns(members []*consultation.Record, gstRateBasis int64) []consultation.BreakdownItem {
	sums := make(map[string]int64)
	var order []string
	var pretax int64

	for _, m := range members {
		for _, line := range m.Breakdown {
			if line.Title == GSTLineTitle {
				continue
			}
			if _, ok := sums[line.Title]; !ok {
				order = append(order, line.Title)
			}
			sums[line.Title] += line.AmountCents
			pretax += line.AmountCents
		}
	}

	out := make([]consultation.BreakdownItem, 0, len(order)+1)
	for _, title := range order {
		out = append(out, consultation.BreakdownItem{Title: title, AmountCents: sums[title]})
	}
	if pretax > 0 && gstRateBasis > 0 {
		out = append(out, consultation.BreakdownItem{
			Title:       GSTLineTitle,
			AmountCents: pretax * gstRateBasis / 10000,
		})
	}
	return out
}

// PricePreview is the booking-time rate quote for a prospective group.
type PricePreview struct {
	Lines      []consultation.BreakdownItem `json:"lines"`
	GSTCents   int64                        `json:"gst_cents"`
	TotalCents int64                        `json:"total_cents"`
}

// Preview computes the combined-tax quote for the given pre-tax line items.
func (c *Coordinator) Preview(lines []consultation.BreakdownItem) (PricePreview, error) {
	var pretax int64
	for _, line := range lines {
		if line.AmountCents < 0 {
			return PricePreview{}, fmt.Errorf("group: negative line amount for %q", line.Title)
		}
		pretax += line.AmountCents
	}
	gst := pretax * c.gstRateBasis / 10000
	return PricePreview{
		Lines:      lines,
		GSTCents:   gst,
		TotalCents: pretax + gst,
	}, nil
}
