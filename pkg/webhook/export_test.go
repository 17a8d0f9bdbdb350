package webhook

var VerifySignatureAt = verifySignatureAt
