package escrow

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"escrowdesk/internal/model"
	"escrowdesk/internal/units"
)

func (c *Coordinator) validateCreate(req CreateRequest) (common.Address, common.Address, *big.Int, *ValidationError) {
	arbiter, ok := model.ParseIdentity(req.Arbiter)
	if !ok {
		return common.Address{}, common.Address{}, nil, &ValidationError{Field: "arbiter", Message: "must be a 0x-prefixed address"}
	}
	beneficiary, ok := model.ParseIdentity(req.Beneficiary)
	if !ok {
		return common.Address{}, common.Address{}, nil, &ValidationError{Field: "beneficiary", Message: "must be a 0x-prefixed address"}
	}

	depositor := c.session.Identity
	switch {
	case arbiter == beneficiary:
		return common.Address{}, common.Address{}, nil, &ValidationError{Field: "arbiter", Message: "must differ from the beneficiary"}
	case arbiter == depositor:
		return common.Address{}, common.Address{}, nil, &ValidationError{Field: "arbiter", Message: "must differ from the depositor"}
	case beneficiary == depositor:
		return common.Address{}, common.Address{}, nil, &ValidationError{Field: "beneficiary", Message: "must differ from the depositor"}
	}

	wei, err := units.ParseEther(req.Amount)
	if err != nil {
		msg := "must be a decimal number"
		switch {
		case errors.Is(err, units.ErrEmptyAmount):
			msg = "is required"
		case errors.Is(err, units.ErrNegativeAmount):
			msg = "must be positive"
		case errors.Is(err, units.ErrTooPrecise):
			msg = "has more than 18 decimal places"
		case errors.Is(err, units.ErrTooLarge):
			msg = "exceeds the largest amount the ledger accepts"
		}
		return common.Address{}, common.Address{}, nil, &ValidationError{Field: "amount", Message: msg}
	}
	if wei.Sign() <= 0 {
		return common.Address{}, common.Address{}, nil, &ValidationError{Field: "amount", Message: "must be positive"}
	}
	return arbiter, beneficiary, wei, nil
}

func validateAgreementID(raw string) (string, *ValidationError) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", &ValidationError{Field: "id", Message: "is required"}
	}
	return id, nil
}
