package billing

import (
	"errors"
	"fmt"

	"github.com/clinic/billing/pkg/money"
)

// CopaymentPolicy holds the configurable copayment constants.
type CopaymentPolicy struct {
	StandardCopaymentAmount money.Money
	MaximumAnnualCopayment  money.Money
	// ClampToTotal caps the copayment at the charge's total cost. When false a
	// charge cheaper than the standard copayment cannot be split and fails the
	// postcondition check.
	ClampToTotal bool
}

func (p CopaymentPolicy) Validate() error {
	if p.StandardCopaymentAmount.IsZero() {
		return errors.New("standard copayment amount must be greater than zero")
	}
	if p.MaximumAnnualCopayment.LessThan(p.StandardCopaymentAmount) {
		return fmt.Errorf("annual copayment maximum %s is below the standard copayment %s",
			p.MaximumAnnualCopayment, p.StandardCopaymentAmount)
	}
	return nil
}

// Calculator splits a charge between patient and insurer. It has no state
// beyond its policy and is safe for concurrent use.
type Calculator struct {
	policy CopaymentPolicy
}

func NewCalculator(policy CopaymentPolicy) *Calculator {
	return &Calculator{policy: policy}
}

func (c *Calculator) Policy() CopaymentPolicy { return c.policy }

// Calculate applies the copayment policy to req. The only error it returns
// is *InvariantViolationError.
func (c *Calculator) Calculate(req ChargeRequest) (BillingCalculationResult, error) {
	res := BillingCalculationResult{TotalCost: req.TotalCost}

	if req.InsuranceStatus != InsuranceActive {
		res.CopaymentAmount = req.TotalCost
		res.InsuranceCoverageAmount = money.Zero
		res.RequiresFullPayment = true
		res.Branch = BranchNoActivePolicy
		return res, c.check(req, res)
	}

	acc := req.AccumulatedPatientResponsibility
	if acc.GreaterThanOrEqual(c.policy.MaximumAnnualCopayment) {
		res.CopaymentAmount = money.Zero
		res.InsuranceCoverageAmount = req.TotalCost
		res.Branch = BranchAnnualLimitReached
		return res, c.check(req, res)
	}

	remaining, err := c.policy.MaximumAnnualCopayment.Sub(acc)
	if err != nil {
		return res, c.violation(req, res, err.Error())
	}

	copay := c.policy.StandardCopaymentAmount
	res.Branch = BranchStandardCopayment
	if remaining.LessThan(copay) {
		copay = remaining
		res.Branch = BranchProratedCopayment
	}
	if c.policy.ClampToTotal {
		copay = money.Min(copay, req.TotalCost)
	}

	coverage, err := req.TotalCost.Sub(copay)
	if err != nil {
		res.CopaymentAmount = copay
		return res, c.violation(req, res, "insurance coverage would be negative")
	}
	res.CopaymentAmount = copay
	res.InsuranceCoverageAmount = coverage
	return res, c.check(req, res)
}

// check enforces copayment + coverage == total.
func (c *Calculator) check(req ChargeRequest, res BillingCalculationResult) error {
	sum, err := res.CopaymentAmount.Add(res.InsuranceCoverageAmount)
	if err != nil {
		return c.violation(req, res, err.Error())
	}
	if sum.Cmp(res.TotalCost) != 0 {
		return c.violation(req, res, fmt.Sprintf("split sums to %s", sum))
	}
	return nil
}

func (c *Calculator) violation(req ChargeRequest, res BillingCalculationResult, reason string) error {
	return &InvariantViolationError{Request: req, Result: res, Reason: reason}
}
