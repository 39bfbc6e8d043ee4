package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/haggle/internal/domain"
)

type ListProductsOutput struct {
	Body []*domain.Product
}

type GetProductInput struct {
	ID uuid.UUID `path:"id" doc:"Product ID"`
}

type GetProductOutput struct {
	Body *domain.Product
}

func RegisterProductRoutes(api huma.API, store DataStore) {
	huma.Register(api, huma.Operation{
		OperationID: "list-products",
		Method:      http.MethodGet,
		Path:        "/products",
		Summary:     "List products open to negotiation",
		Tags:        []string{"Products"},
	}, func(ctx context.Context, _ *struct{}) (*ListProductsOutput, error) {
		products, err := store.Products().List(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list products", err)
		}
		return &ListProductsOutput{Body: products}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-product",
		Method:      http.MethodGet,
		Path:        "/products/{id}",
		Summary:     "Get a product",
		Tags:        []string{"Products"},
	}, func(ctx context.Context, input *GetProductInput) (*GetProductOutput, error) {
		p, err := store.Products().GetByID(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("product not found")
			}
			return nil, huma.Error500InternalServerError("failed to get product", err)
		}
		return &GetProductOutput{Body: p}, nil
	})
}
