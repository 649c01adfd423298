package trust

import "github.com/shopspring/decimal"

const (
	MinRating = 1
	MaxRating = 5
)

var (
	hundred         = decimal.NewFromInt(100)
	ratingWeight    = decimal.NewFromInt(20)
	completionBonus = decimal.RequireFromString("0.1")
	maxAverage      = decimal.NewFromInt(MaxRating)
)

// CompletionRate returns completed/assigned as a percentage rounded to two
// places. It is 0 whenever nothing has been assigned.
func CompletionRate(completed, assigned int) (decimal.Decimal, error) {
	if completed < 0 {
		return decimal.Zero, invalid("tasks_completed", "must not be negative, got %d", completed)
	}
	if assigned < 0 {
		return decimal.Zero, invalid("tasks_assigned", "must not be negative, got %d", assigned)
	}
	if assigned == 0 {
		return decimal.Zero, nil
	}
	if completed > assigned {
		return decimal.Zero, invalid("tasks_completed", "%d exceeds %d assigned", completed, assigned)
	}
	return decimal.NewFromInt(int64(completed)).
		Mul(hundred).
		Div(decimal.NewFromInt(int64(assigned))).
		Round(2), nil
}

// ReputationScore blends rating and completion: avg*20 + rate*0.1, rounded
// to two places. The result lies in [0, 110].
func ReputationScore(averageRating, completionRate decimal.Decimal) (decimal.Decimal, error) {
	if averageRating.IsNegative() || averageRating.GreaterThan(maxAverage) {
		return decimal.Zero, invalid("average_rating", "%s outside [0,5]", averageRating)
	}
	if completionRate.IsNegative() || completionRate.GreaterThan(hundred) {
		return decimal.Zero, invalid("completion_rate", "%s outside [0,100]", completionRate)
	}
	return averageRating.Mul(ratingWeight).
		Add(completionRate.Mul(completionBonus)).
		Round(2), nil
}

// AverageRating is the mean of every rating a worker has received, rounded to
// two places. An empty history averages to 0.
func AverageRating(scores []int) (decimal.Decimal, error) {
	if len(scores) == 0 {
		return decimal.Zero, nil
	}
	sum := 0
	for _, s := range scores {
		if err := ValidateRating(s); err != nil {
			return decimal.Zero, err
		}
		sum += s
	}
	return decimal.NewFromInt(int64(sum)).
		Div(decimal.NewFromInt(int64(len(scores)))).
		Round(2), nil
}

func ValidateRating(score int) error {
	if score < MinRating || score > MaxRating {
		return invalid("rating", "%d outside [%d,%d]", score, MinRating, MaxRating)
	}
	return nil
}
