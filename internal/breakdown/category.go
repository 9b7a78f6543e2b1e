package breakdown

import "github.com/joe4dev/trigger-bench/internal/spangraph"

// categoryMap is the origin-to-category table from §4.3. It is a compile-time
// constant rather than a loaded config value: the mapping is a fixed
// property of the AWS resource taxonomy the original tool understood, not a
// per-deployment tunable, so there is nothing a config file would usefully
// override.
var categoryMap = map[string]string{
	"AWS::ApiGateway::Stage":          "orchestration",
	"AWS::StepFunctions::StateMachine": "orchestration",
	"AWS::stepfunctions":              "orchestration",
	"AWS::STEPFUNCTIONS":              "orchestration",
	"AWS::Lambda":                     "orchestration",
	"AWS::Lambda::Function":           "computation",
	"AWS::S3::Bucket":                 "external_service",
	"AWS::S3":                         "external_service",
	"AWS::DynamoDB::Table":            "external_service",
	"AWS::SQS::Queue":                 "external_service",
	"AWS::SNS":                        "external_service",
	"Database::SQL":                   "external_service",
	"AWS::Kinesis":                    "external_service",
	"AWS::rekognition":                "external_service",
}

// lambdaFunctionNameCategory maps reserved subsegment names nested directly
// under an AWS::Lambda::Function node to their category.
var lambdaFunctionNameCategory = map[string]string{
	"Overhead":       "overhead",
	"Invocation":     "computation",
	"Initialization": "runtime_initialization",
	// Spelled "queing" (sic) to match the original tool's CSV header,
	// preserved byte-for-byte for downstream tooling compatibility.
	"Dwell Time": "queing",
}

const unclassified = "unclassified"

// categoryForOrigin looks up a segment's declared origin in the known AWS
// resource taxonomy, falling back to "unclassified".
func categoryForOrigin(origin string) string {
	if cat, ok := categoryMap[origin]; ok {
		return cat
	}

	return unclassified
}

// categoryForDoc assigns a category to node i. Nodes with an explicit
// origin are classified directly; otherwise the category is derived from
// the parent's origin and, for children of a Lambda function or the
// Lambda orchestration layer, from reserved segment names ("Overhead",
// "Invocation", "Initialization", "Dwell Time").
func categoryForDoc(g *spangraph.Graph, i int32) string {
	doc := g.Doc(i)
	if doc.Origin != "" {
		return categoryForOrigin(doc.Origin)
	}

	parentIdx := g.Parent(i)
	if parentIdx == spangraph.NoParent {
		return unclassified
	}

	parentDoc := g.Doc(parentIdx)

	switch parentDoc.Origin {
	case "AWS::Lambda::Function":
		if cat, ok := lambdaFunctionNameCategory[doc.Name]; ok {
			return cat
		}

		return unclassified
	case "AWS::Lambda":
		if doc.Name == "Dwell Time" {
			return "queing"
		}
	}

	return categoryForDoc(g, parentIdx)
}
