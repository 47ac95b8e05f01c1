package policy

import "strings"

const (
	// QuoteEndpoint is the multiplexed quote API: one path serving many
	// operations selected by the OperationParam query parameter.
	QuoteEndpoint = "/api/NextApi/apiClient/GetQuoteApi"

	// OperationParam names the parameter carrying the quote operation.
	OperationParam = "functionName"
)

// Endpoint paths with a dedicated freshness class.
var endpointClasses = map[string]Class{
	// Live snapshots
	"/api/allIndices":                 VeryShort,
	"/api/live-analysis-stocksTraded": VeryShort,

	// Intraday analytics
	"/api/live-analysis-oi-spurts-underlyings":  Short,
	"/api/live-analysis-oi-spurts-contracts":    Short,
	"/api/live-analysis-most-active-securities": Short,
	"/api/live-analysis-variations":             Short,
	"/api/live-analysis-volume-gainers":         Short,
	"/api/live-analysis-advance":                Short,
	"/api/live-analysis-decline":                Short,
	"/api/live-analysis-price-band-hitter":      Short,
	"/api/option-chain-indices":                 Short,
	"/api/option-chain-equities":                Short,
	"/api/option-chain-v3":                      Short,

	// Snapshots
	"/api/snapshot-capital-market-largedeal": Medium,

	// Filings and calendars
	"/api/corporate-announcements": Long,
	"/api/event-calendar":          Long,
	"/api/corporates-pit":          Long,
	"/api/corporates/insider-plan": Long,

	// Reference data
	"/api/option-chain-contract-info": Daily,

	// Periodic disclosures
	"/api/corporates-financial-results":     Weekly,
	"/api/results-comparision":              Weekly,
	"/api/corporate-share-holdings-master":  Weekly,
	"/api/corporate-share-holdings-details": Weekly,

	"/api/annual-reports": Static,
}

// Quote operations with a dedicated freshness class.
var operationClasses = map[string]Class{
	// Names, metadata, index membership
	"getSymbolName":    Static,
	"getMetaData":      Static,
	"getSymbolIndices": Static,
	"getIndexList":     Static,

	// Shareholding and financial detail
	"getShareholdingPattern":  Weekly,
	"getFinancialResultData":  Weekly,
	"getFinancialStatus":      Weekly,
	"getIntegratedFilingData": Weekly,

	// Reports, corporate actions, board meetings
	"getAnnualReport":     Daily,
	"getBRSRReport":       Daily,
	"getCorpAction":       Daily,
	"getBoardMeetingLink": Daily,
	"getCorporateActions": Daily,

	// Announcements
	"getCorpAnnouncement":  Long,
	"getCorpAnnouncements": Long,

	// Live prices and derivatives
	"getSymbolData":            VeryShort,
	"getSymbolChartData":       VeryShort,
	"getSymbolDerivativesData": Short,
	"getOptionChainData":       Short,
	"getOptionChainDropdown":   Short,
}

// Table resolves endpoints and quote operations to freshness classes.
// A Table is immutable after construction and safe for concurrent use.
type Table struct {
	endpoints        map[string]Class
	operations       map[string]Class
	defaultClass     Class
	operationDefault Class
}

// Option customizes a Table at construction time.
type Option func(*Table)

// WithEndpoint sets the class for an endpoint path.
func WithEndpoint(endpoint string, class Class) Option {
	return func(t *Table) { t.endpoints[endpoint] = class }
}

// WithOperation sets the class for a quote operation.
func WithOperation(name string, class Class) Option {
	return func(t *Table) { t.operations[name] = class }
}

// WithDefault sets the class for unlisted endpoints.
func WithDefault(class Class) Option {
	return func(t *Table) { t.defaultClass = class }
}

// New builds a Table from the built-in mapping plus opts.
func New(opts ...Option) *Table {
	t := &Table{
		endpoints:        make(map[string]Class, len(endpointClasses)),
		operations:       make(map[string]Class, len(operationClasses)),
		defaultClass:     Medium,
		operationDefault: Medium,
	}
	for k, v := range endpointClasses {
		t.endpoints[k] = v
	}
	for k, v := range operationClasses {
		t.operations[k] = v
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var defaultTable = New()

// Default returns the process-wide built-in table.
func Default() *Table {
	return defaultTable
}

// ForEndpoint returns the class for an endpoint path. The quote endpoint
// resolves to the operation default; use Resolve to dispatch on the
// operation parameter.
func (t *Table) ForEndpoint(endpoint string) Class {
	if class, ok := t.endpoints[endpoint]; ok {
		return class
	}
	if IsQuoteEndpoint(endpoint) {
		return t.operationDefault
	}
	return t.defaultClass
}

// ForOperation returns the class for a quote operation name.
func (t *Table) ForOperation(name string) Class {
	if class, ok := t.operations[name]; ok {
		return class
	}
	return t.operationDefault
}

// Resolve returns the class for a request, dispatching quote requests on
// their operation parameter.
func (t *Table) Resolve(endpoint string, params map[string]string) Class {
	if IsQuoteEndpoint(endpoint) {
		if op := params[OperationParam]; op != "" {
			return t.ForOperation(op)
		}
	}
	return t.ForEndpoint(endpoint)
}

// IsQuoteEndpoint reports whether endpoint is the multiplexed quote API.
func IsQuoteEndpoint(endpoint string) bool {
	return strings.HasSuffix(strings.TrimRight(endpoint, "/"), "GetQuoteApi")
}
