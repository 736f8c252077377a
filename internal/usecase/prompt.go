package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"supply-agent/internal/domain"
)

var searchPromptSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "search_prompt": {"type": "string"}
  },
  "required": ["search_prompt"],
  "additionalProperties": false
}`)

var supplierListSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "suppliers": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "company_name": {"type": "string"},
          "email": {"type": "string"},
          "product_name": {"type": "string"}
        },
        "required": ["company_name", "email", "product_name"],
        "additionalProperties": false
      }
    }
  },
  "required": ["suppliers"],
  "additionalProperties": false
}`)

type searchPromptResponse struct {
	SearchPrompt string `json:"search_prompt"`
}

// Candidate is one supplier mention extracted from research text, before
// validation.
type Candidate struct {
	CompanyName string `json:"company_name"`
	Email       string `json:"email"`
	ProductName string `json:"product_name"`
}

func buildRiskAnalysisMessages(company, news string) []domain.ChatMessage {
	system := strings.Join([]string{
		"Role:",
		fmt.Sprintf("You are a senior supply chain risk analyst for %s.", company),
		"",
		"Task:",
		"Analyze the news articles provided by the user, separated by '--- ARTICLE SEPARATOR ---',",
		"and identify the SINGLE MOST CRITICAL supply chain risk.",
		"Based on that risk, write one web search prompt that looks for alternative suppliers, following this pattern exactly:",
		`"Find 3 company name and contact email for suppliers of <material/service>: {company_name: ..., email: ...}"`,
		"Replace <material/service> with the specific item or service affected by the risk.",
		"",
		"Output Contract:",
		`Return JSON only with the single key search_prompt (string).`,
	}, "\n")
	return []domain.ChatMessage{
		{Role: domain.ChatRoleSystem, Content: system},
		{Role: domain.ChatRoleUser, Content: "News Articles:\n" + news},
	}
}

func buildExtractionMessages(research string) []domain.ChatMessage {
	system := strings.Join([]string{
		"Task:",
		"The user's text contains information about potential suppliers.",
		"For each supplier found, extract the company name, the contact email,",
		"and the specific product or service mentioned in the context of that company.",
		"",
		"Output Contract:",
		`Return JSON only: {"suppliers": [{"company_name": "...", "email": "...", "product_name": "..."}]}.`,
		"Use an empty string for a missing product. Return an empty list when no supplier is mentioned.",
	}, "\n")
	return []domain.ChatMessage{
		{Role: domain.ChatRoleSystem, Content: system},
		{Role: domain.ChatRoleUser, Content: "Text:\n" + research},
	}
}

func buildReplySystemPrompt(company string, quantity int, marker string) string {
	return strings.Join([]string{
		fmt.Sprintf("You are a professional supply chain assistant writing on behalf of %s.", company),
		"Your mission is to obtain price quotations for specific quantities from suppliers, using the conversation history.",
		"",
		"Rules:",
		fmt.Sprintf("1) Quote collection: ask direct questions until you have a clear and specific price quote, e.g. \"What is your unit price for %d units?\".", quantity),
		"2) Never approve a quote, accept an offer or make a purchase. Approval is handled by people.",
		fmt.Sprintf("3) Stop condition: when the supplier's last email contains a clear price quote, end your reply with the tag %s.", marker),
		fmt.Sprintf("4) Use formal, polite and concise language and always sign off with 'Best regards, %s Supply Chain Management'.", company),
		"5) When the message concerns pricing, politely ask about a discount for bulk quantities.",
	}, "\n")
}

// buildReplyMessages replays the stored thread so the model sees its own
// earlier emails as assistant turns and the supplier's as user turns.
func buildReplyMessages(system string, history []domain.Message, inbound string) []domain.ChatMessage {
	msgs := make([]domain.ChatMessage, 0, len(history)+2)
	msgs = append(msgs, domain.ChatMessage{Role: domain.ChatRoleSystem, Content: system})
	for _, m := range history {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		role := domain.ChatRoleUser
		if m.Role == domain.RoleModel {
			role = domain.ChatRoleAssistant
		}
		msgs = append(msgs, domain.ChatMessage{Role: role, Content: content})
	}
	return append(msgs, domain.ChatMessage{Role: domain.ChatRoleUser, Content: inbound})
}

func buildInitialEmail(company string, quantity int, s domain.SupplierRecord) (subject, body string) {
	product := strings.TrimSpace(s.ProductName)
	if product == "" {
		product = "your products"
	}
	subject = "Quotation Request: " + product
	body = strings.Join([]string{
		fmt.Sprintf("Dear %s Team,", s.CompanyName),
		"",
		fmt.Sprintf("%s is evaluating alternative suppliers and would like to request a quotation for %d units of %s.", company, quantity, product),
		"Could you please share your unit price, available lead times and any volume discounts that apply to this quantity?",
		"",
		"We look forward to your reply.",
		"",
		"Best regards,",
		company + " Supply Chain Management",
	}, "\n")
	return subject, body
}

// stripFences removes Markdown code fences that models sometimes wrap JSON in.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// decodeSingle decodes exactly one JSON value. Keys v does not declare are
// ignored.
func decodeSingle(raw string, v any) error {
	dec := json.NewDecoder(bytes.NewBufferString(raw))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("multiple JSON values")
		}
		return fmt.Errorf("trailing data: %w", err)
	}
	return nil
}

func parseSearchPrompt(raw string) (string, error) {
	var out searchPromptResponse
	if err := decodeSingle(stripFences(raw), &out); err != nil {
		return "", fmt.Errorf("usecase: decode search prompt: %w", err)
	}
	prompt := strings.TrimSpace(out.SearchPrompt)
	if prompt == "" {
		return "", errors.New("usecase: search prompt is empty")
	}
	return prompt, nil
}

// parseSupplierList accepts either {"suppliers": [...]} or a bare array.
// Extra keys on a supplier object are ignored.
func parseSupplierList(raw string) ([]Candidate, error) {
	s := stripFences(raw)
	if strings.HasPrefix(s, "[") {
		var list []Candidate
		if err := json.Unmarshal([]byte(s), &list); err != nil {
			return nil, fmt.Errorf("usecase: decode supplier list: %w", err)
		}
		return list, nil
	}
	var wrapped struct {
		Suppliers *[]Candidate `json:"suppliers"`
	}
	if err := json.Unmarshal([]byte(s), &wrapped); err != nil {
		return nil, fmt.Errorf("usecase: decode supplier list: %w", err)
	}
	if wrapped.Suppliers == nil {
		return nil, errors.New("usecase: decode supplier list: missing suppliers key")
	}
	return *wrapped.Suppliers, nil
}

// stripMarker removes every occurrence of marker and reports whether any
// was present.
func stripMarker(text, marker string) (string, bool) {
	if marker == "" || !strings.Contains(text, marker) {
		return strings.TrimSpace(text), false
	}
	return strings.TrimSpace(strings.ReplaceAll(text, marker, "")), true
}
