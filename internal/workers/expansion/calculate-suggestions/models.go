package calculatesuggestions

import "site-expansion/internal/models"

type Input = models.SuggestionRequest

type Output struct {
	Suggestions []models.ExpansionSuggestion `json:"suggestions"`
	Metadata    models.SuggestionMetadata    `json:"metadata"`
	Count       int                          `json:"suggestionCount"`
}
