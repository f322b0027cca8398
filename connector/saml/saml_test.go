package saml

import (
	"encoding/base64"
	"encoding/xml"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crochee/cim/connector"
)

func testProvider(t *testing.T) *provider {
	t.Helper()
	c := &Config{
		Issuer:                          "https://sp.example.com",
		SSOURL:                          "https://idp.example.com/sso",
		UsernameAttr:                    "Name",
		EmailAttr:                       "email",
		GroupsAttr:                      "groups",
		RedirectURI:                     "http://127.0.0.1:5556/callback",
		InsecureSkipSignatureValidation: true,
	}
	conn, err := c.openConnector(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	p, ok := conn.(*provider)
	require.True(t, ok)
	p.now = func() time.Time {
		t, _ := time.Parse(timeFormat, "2017-04-04T04:34:59.330Z")
		return t
	}
	return p
}

func marshalResponse(t *testing.T, resp response) string {
	t.Helper()
	data, err := xml.Marshal(resp)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(data)
}

func goodResponse(inResponseTo string, groups []string) response {
	attrs := []attribute{
		{Name: "email", AttributeValues: []attributeValue{{Value: "jane@example.com"}}},
	}
	if len(groups) > 0 {
		var vals []attributeValue
		for _, g := range groups {
			vals = append(vals, attributeValue{Value: g})
		}
		attrs = append(attrs, attribute{Name: "groups", AttributeValues: vals})
	}
	return response{
		ID:           "_resp1",
		InResponseTo: "_" + inResponseTo,
		Destination:  "http://127.0.0.1:5556/callback",
		Status: &status{
			StatusCode: &statusCode{Value: "urn:oasis:names:tc:SAML:2.0:status:Success"},
		},
		Assertion: &assertion{
			ID: "_assertion1",
			Subject: &subject{
				NameID: &nameID{Value: "jane@example.com"},
			},
			AttributeStatement: &attributeStatement{Attributes: attrs},
		},
	}
}

func TestPOSTDataRejectsOfflineAccess(t *testing.T) {
	p := testProvider(t)
	_, _, err := p.POSTData(connector.Scopes{OfflineAccess: true}, "req1")
	require.Error(t, err)
}

func TestPOSTDataUsesRequestID(t *testing.T) {
	p := testProvider(t)
	action, _, err := p.POSTData(connector.Scopes{}, "myrequestid")
	require.NoError(t, err)
	require.Equal(t, p.ssoURL, action)
}

func TestHandlePOSTGoodResponse(t *testing.T) {
	p := testProvider(t)
	samlResp := marshalResponse(t, goodResponse("6zmm5mguyebwvajyf2sdwwcw6m", []string{"Admins", "Everyone"}))

	ident, err := p.HandlePOST(connector.Scopes{Groups: true}, samlResp, "6zmm5mguyebwvajyf2sdwwcw6m")
	require.NoError(t, err)
	require.Equal(t, "jane@example.com", ident.UserID)
	require.Equal(t, "jane@example.com", ident.Email)
	require.True(t, ident.EmailVerified)
	require.Equal(t, []string{"Admins", "Everyone"}, ident.Groups)
}

func TestHandlePOSTWrongInResponseTo(t *testing.T) {
	p := testProvider(t)
	samlResp := marshalResponse(t, goodResponse("6zmm5mguyebwvajyf2sdwwcw6m", nil))

	_, err := p.HandlePOST(connector.Scopes{}, samlResp, "some-other-request-id")
	require.Error(t, err)
}

func TestHandlePOSTWrongDestination(t *testing.T) {
	p := testProvider(t)
	resp := goodResponse("6zmm5mguyebwvajyf2sdwwcw6m", nil)
	resp.Destination = "http://attacker.example.com/callback"
	samlResp := marshalResponse(t, resp)

	_, err := p.HandlePOST(connector.Scopes{}, samlResp, "6zmm5mguyebwvajyf2sdwwcw6m")
	require.Error(t, err)
}

func TestHandlePOSTMissingEmail(t *testing.T) {
	p := testProvider(t)
	resp := goodResponse("6zmm5mguyebwvajyf2sdwwcw6m", nil)
	resp.Assertion.AttributeStatement.Attributes = nil
	samlResp := marshalResponse(t, resp)

	_, err := p.HandlePOST(connector.Scopes{}, samlResp, "6zmm5mguyebwvajyf2sdwwcw6m")
	require.Error(t, err)
}
