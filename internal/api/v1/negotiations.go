package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/haggle/internal/domain"
	"github.com/gosuda/haggle/internal/protocol"
	"github.com/gosuda/haggle/internal/seller"
	"github.com/gosuda/haggle/internal/server/middleware"
)

type CreateNegotiationInput struct {
	Body struct {
		ProductID     string  `json:"productId" format:"uuid" doc:"Product to negotiate on"`
		ProposedPrice float64 `json:"proposedPrice" exclusiveMinimum:"0" doc:"Opening offer"`
	}
}

type CreateNegotiationOutput struct {
	Body *protocol.CreateResponse
}

type GetNegotiationInput struct {
	ID uuid.UUID `path:"id" doc:"Negotiation ID"`
}

type GetNegotiationOutput struct {
	Body *protocol.NegotiationDetail
}

func RegisterNegotiationRoutes(api huma.API, svc NegotiationService) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-negotiation",
		Method:        http.MethodPost,
		Path:          "/negotiations",
		Summary:       "Open a negotiation with a first offer",
		Tags:          []string{"Negotiations"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *CreateNegotiationInput) (*CreateNegotiationOutput, error) {
		buyerID, ok := middleware.BuyerIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("missing buyer context")
		}

		productID, err := uuid.Parse(input.Body.ProductID)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity("invalid product id")
		}

		out, err := svc.Open(ctx, buyerID, productID, input.Body.ProposedPrice)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrInvalidOffer):
				return nil, huma.Error422UnprocessableEntity(err.Error())
			case errors.Is(err, domain.ErrNotFound):
				return nil, huma.Error404NotFound("product not found")
			}
			return nil, huma.Error500InternalServerError("failed to open negotiation", err)
		}

		return &CreateNegotiationOutput{Body: &protocol.CreateResponse{
			Negotiation: protocol.NegotiationRef{
				ID:     out.Negotiation.ID.String(),
				Status: string(out.Negotiation.Status),
			},
			BotResponse: seller.BotResponse(out),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-negotiation",
		Method:      http.MethodGet,
		Path:        "/negotiations/{id}",
		Summary:     "Get a negotiation with its messages",
		Tags:        []string{"Negotiations"},
	}, func(ctx context.Context, input *GetNegotiationInput) (*GetNegotiationOutput, error) {
		buyerID, ok := middleware.BuyerIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("missing buyer context")
		}

		n, messages, err := svc.Detail(ctx, buyerID, input.ID)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrNotFound):
				return nil, huma.Error404NotFound("negotiation not found")
			case errors.Is(err, domain.ErrForbidden):
				return nil, huma.Error403Forbidden("negotiation belongs to another buyer")
			}
			return nil, huma.Error500InternalServerError("failed to get negotiation", err)
		}

		detail := &protocol.NegotiationDetail{
			ID:            n.ID.String(),
			ProductID:     n.ProductID.String(),
			Status:        string(n.Status),
			OriginalPrice: n.OriginalPrice,
			FinalPrice:    n.FinalPrice,
			Messages:      make([]protocol.MessageRecord, 0, len(messages)),
		}
		for _, m := range messages {
			detail.Messages = append(detail.Messages, protocol.MessageRecord{
				ID:        m.ID,
				Origin:    string(m.Origin),
				Amount:    m.Amount,
				Content:   m.Content,
				CreatedAt: m.CreatedAt,
			})
		}

		return &GetNegotiationOutput{Body: detail}, nil
	})
}
