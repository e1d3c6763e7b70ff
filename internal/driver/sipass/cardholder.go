package sipass

import (
	"context"
	"time"

	"github.com/reservio/accessgate/internal/acerr"
	"github.com/reservio/accessgate/internal/models"
)

// Remote rule type tags.
var accessRuleTypes = map[string]int{
	"access_point_group": 1,
	"access_point":       2,
	"access_level":       3,
	"access_group":       4,
	"venue_booking":      12,
}

// defaultTimeScheduleID usually maps to "Always" on the remote.
const defaultTimeScheduleID = "1"

// clockSkewLeeway shifts the payload's earliest time backward to tolerate
// remote clock drift.
const clockSkewLeeway = 10 * time.Minute

type accessRule struct {
	target         map[string]any
	startTime      time.Time
	endTime        time.Time
	ruleType       int
	timeScheduleID string
}

func newAccessRule(target map[string]any, start, end time.Time) accessRule {
	kind, _ := target["type"].(string)
	return accessRule{
		target:         target,
		startTime:      start,
		endTime:        end,
		ruleType:       accessRuleTypes[kind],
		timeScheduleID: defaultTimeScheduleID,
	}
}

func isoTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05")
}

func (r accessRule) payload() map[string]any {
	return map[string]any{
		"ArmingRightsId":    nil,
		"ControlModeId":     nil,
		"EndDate":           isoTime(r.endTime),
		"ObjectName":        r.target["name"],
		"ObjectToken":       "-1",
		"RuleToken":         r.target["id"],
		"RuleType":          r.ruleType,
		"StartDate":         isoTime(r.startTime),
		"Side":              0,
		"TimeScheduleToken": r.timeScheduleID,
	}
}

type cardholderRequest struct {
	firstName         string
	lastName          string
	cardNumber        string
	pin               string
	cardTechnologyID  any
	credentialProfile map[string]any
	workgroup         map[string]any
	accessRules       []accessRule
}

// createCardholder POSTs the full cardholder payload. The remote API is
// strict: every field must be present even when empty, otherwise it fails
// with HTTP 500.
func (d *Driver) createCardholder(ctx context.Context, req cardholderRequest) (string, error) {
	startTime := req.accessRules[0].startTime
	endTime := req.accessRules[0].endTime
	for _, r := range req.accessRules[1:] {
		if r.startTime.Before(startTime) {
			startTime = r.startTime
		}
		if r.endTime.After(endTime) {
			endTime = r.endTime
		}
	}
	// Compensate for possible clock drift on the remote.
	startTime = startTime.Add(-clockSkewLeeway)

	rules := make([]map[string]any, 0, len(req.accessRules))
	for _, r := range req.accessRules {
		rules = append(rules, r.payload())
	}

	pinMode := any(nil)
	if pmv, ok := req.credentialProfile["PINModeValue"].(map[string]any); ok {
		pinMode = pmv["Type"]
	}

	credentials := map[string]any{
		"CardNumber":         req.cardNumber,
		"CardTechnologyCode": req.cardTechnologyID,
		"EndDate":            isoTime(endTime),
		"FacilityCode":       0,
		"Pin":                req.pin,
		"PinMode":            pinMode,
		"ProfileId":          req.credentialProfile["id"],
		"ProfileName":        req.credentialProfile["name"],
		"StartDate":          isoTime(startTime),
		"RevisionNumber":     0,
	}

	payload := map[string]any{
		"AccessRules":    rules,
		"ApbWorkgroupId": req.workgroup["id"],
		"Attributes": map[string]any{
			"Accessibility":       false,
			"ApbExclusion":        false,
			"ApbReEntryExclusion": false,
			"Isolate":             false,
			"SelfAuthorize":       false,
			"Supervisor":          false,
			"Visitor":             false,
			"Void":                false,
		},
		"BaseCardNumber":                 nil,
		"Credentials":                    []any{credentials},
		"EmployeeNumber":                 "",
		"EmployeeName":                   nil,
		"EndDate":                        isoTime(endTime),
		"FingerPrints":                   []any{},
		"FirstName":                      req.firstName,
		"GeneralInformation":             "",
		"LastName":                       req.lastName,
		"NonPartitionWorkGroups":         []any{},
		"NonPartitionWorkgroupAccessRules": []any{},
		"PersonalDetails": map[string]any{
			"Address": "",
			"ContactDetails": map[string]any{
				"Email":                   "",
				"MobileNumber":            "",
				"MobileServiceProviderId": "0",
				"PagerNumber":             "",
				"PagerServiceProviderId":  "0",
				"PhoneNumber":             "",
			},
			"DateOfBirth":   "",
			"PayrollNumber": "",
			"Title":         "",
			"UserDetails": map[string]any{
				"Password": "",
				"UserName": "",
			},
		},
		"Potrait":              nil,
		"PrimaryWorkgroupId":   req.workgroup["id"],
		"PrimaryWorkgroupName": req.workgroup["name"],
		"SmartCardProfileId":   "0",
		"SmartCardProfileName": nil,
		"StartDate":            isoTime(startTime),
		"Status":               61, // 61 means Valid
		"Token":                "-1",
		"TraceDetails": map[string]any{
			"CardLastUsed":       nil,
			"CardNumberLastUsed": nil,
			"LastApbLocation":    nil,
			"PointName":          nil,
			"TraceCard":          false,
		},
		"Vehicle1": map[string]any{
			"CarColor":              "",
			"CarModelNumber":        "",
			"CarRegistrationNumber": "",
		},
		"Vehicle2": map[string]any{
			"CarColor":              "",
			"CarModelNumber":        "",
			"CarRegistrationNumber": "",
		},
		"VisitorDetails": map[string]any{
			"VisitedEmployeeFirstName": "",
			"VisitedEmployeeLastName":  "",
			"VisitorCardStatus":        0,
			"VisitorCustomValues":      map[string]any{},
		},
	}

	var resp struct {
		Token string `json:"Token"`
	}
	if err := d.apiPost(ctx, "Cardholders", payload, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", acerr.NewRemoteError("cardholder creation returned no token")
	}
	return resp.Token, nil
}

// buildCardholderRequest resolves the named remote objects a grant needs and
// assembles the creation request.
func (d *Driver) buildCardholderRequest(ctx context.Context, binding *models.Binding, user *models.AccessUser, grant *models.Grant) (cardholderRequest, error) {
	apg, err := d.objectByName(ctx, binding, objAccessPointGroups, "access_point_group_name")
	if err != nil {
		return cardholderRequest{}, err
	}
	profile, err := d.objectByName(ctx, binding, objCredentialProfiles, "credential_profile_name")
	if err != nil {
		return cardholderRequest{}, err
	}
	workgroup, err := d.objectByName(ctx, binding, objWorkgroups, "cardholder_workgroup_name")
	if err != nil {
		return cardholderRequest{}, err
	}

	return cardholderRequest{
		firstName:         user.FirstName,
		lastName:          user.LastName,
		cardNumber:        user.Identifier,
		pin:               user.Identifier,
		cardTechnologyID:  profile["card_technology_id"],
		credentialProfile: profile,
		workgroup:         workgroup,
		accessRules:       []accessRule{newAccessRule(apg, grant.StartsAt, grant.EndsAt)},
	}, nil
}

func (d *Driver) removeCardholder(ctx context.Context, cardholderID string) error {
	return d.apiDelete(ctx, "Cardholders/"+cardholderID)
}
