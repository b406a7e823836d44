package orchestrator

import (
	"math"

	"site-expansion/internal/models"
)

const (
	baseTokens                = 100
	tokensPerRationale        = 150
	infrastructureFilterCost  = 50
	rationaleShare            = 0.2
	maxRationaleCandidates    = 60
	inputTokenShare           = 0.7
	defaultInputCostPerToken  = 0.000003
	defaultOutputCostPerToken = 0.000015
)

// Rates are USD per token.
type Rates struct {
	InputPerToken  float64
	OutputPerToken float64
}

func DefaultRates() Rates {
	return Rates{InputPerToken: defaultInputCostPerToken, OutputPerToken: defaultOutputCostPerToken}
}

// TargetStores maps an aggression level onto its band's store target.
func TargetStores(aggression float64) int {
	switch {
	case aggression <= 20:
		return 50
	case aggression <= 40:
		return 100
	case aggression <= 60:
		return 150
	case aggression <= 80:
		return 200
	default:
		return 300
	}
}

// AICandidates is the number of top suggestions that receive a rationale.
func AICandidates(targetStores int) int {
	n := int(math.Ceil(float64(targetStores) * rationaleShare))
	if n > maxRationaleCandidates {
		return maxRationaleCandidates
	}
	return n
}

func EstimateTokens(params *models.JobParams) int {
	tokens := baseTokens + tokensPerRationale*AICandidates(TargetStores(params.Aggression))
	if params.EnableInfrastructureFilter {
		tokens += infrastructureFilterCost
	}
	return tokens
}

// EstimateCost splits tokens 70/30 into input and output and prices both.
func EstimateCost(tokens int, rates Rates) float64 {
	input := int(math.Round(float64(tokens) * inputTokenShare))
	output := tokens - input
	return float64(input)*rates.InputPerToken + float64(output)*rates.OutputPerToken
}
