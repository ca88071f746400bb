package mysql

import (
	"context"
	"database/sql"
	"errors"

	domain "github.com/storefront-shop/api/internal/domain"
	pmysql "github.com/storefront-shop/api/internal/platform/mysql"
	"github.com/storefront-shop/api/internal/repositories"
)

// AddressRepository reads saved shipping addresses.
type AddressRepository struct {
	provider *pmysql.Provider
}

var _ repositories.AddressRepository = (*AddressRepository)(nil)

// NewAddressRepository constructs a MySQL-backed address repository.
func NewAddressRepository(provider *pmysql.Provider) (*AddressRepository, error) {
	if provider == nil {
		return nil, errors.New("address repository requires mysql provider")
	}
	return &AddressRepository{provider: provider}, nil
}

// FindForUser loads the address only when it belongs to userID.
func (r *AddressRepository) FindForUser(ctx context.Context, userID int64, addressID int64) (domain.Address, error) {
	const query = `SELECT id, user_id, recipient_name, phone, street_address, COALESCE(address_line2, ''),
		COALESCE(suburb, ''), city, province, postal_code, country, is_default
		FROM addresses WHERE id = ? AND user_id = ?`

	var addr domain.Address
	err := r.provider.Executor(ctx).QueryRowContext(ctx, query, addressID, userID).Scan(
		&addr.ID, &addr.UserID, &addr.RecipientName, &addr.Phone, &addr.StreetAddress, &addr.AddressLine2,
		&addr.Suburb, &addr.City, &addr.Province, &addr.PostalCode, &addr.Country, &addr.IsDefault,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Address{}, pmysql.NotFound("addresses.find", "address %d not found for user %d", addressID, userID)
	}
	if err != nil {
		return domain.Address{}, pmysql.WrapError("addresses.find", err)
	}
	return addr, nil
}
